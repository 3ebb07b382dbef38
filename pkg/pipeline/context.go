package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/edgeflare/sqlgate/pkg/files"
	"github.com/edgeflare/sqlgate/pkg/httputil/middleware"
	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/edgeflare/sqlgate/pkg/route"
)

// Flags are small facts derived while handling a request.
type Flags struct {
	// Debug exposes failure detail; set when the debug header carries the secret.
	Debug bool
	// Preflight marks a CORS pre-flight request.
	Preflight bool
	// FileDownload makes the query stage look up a file instead of rendering rows.
	FileDownload bool
}

// RequestContext is the per-request state stages read and write. It is owned
// by one request and never shared.
type RequestContext struct {
	Request *http.Request
	Writer  *middleware.ResponseRecorder
	Env     *Env
	Start   time.Time

	// Path and Verb are the dispatch inputs. For a pre-flight request Verb is
	// the method the browser asked about.
	Path string
	Verb string

	endpoint    *route.Endpoint
	RouteParams map[string]string

	// Params is nil until extraction ran; afterwards sets are only appended.
	Params []*params.Set

	Principal string
	Claims    map[string]any
	DBRole    string

	Uploads     []files.Saved
	UploadStore files.Store
	Download    *files.Descriptor

	Flags Flags
}

// NewRequestContext starts the state for r.
func NewRequestContext(w http.ResponseWriter, r *http.Request, env *Env) *RequestContext {
	rec, ok := w.(*middleware.ResponseRecorder)
	if !ok {
		rec = middleware.NewResponseRecorder(w)
	}
	return &RequestContext{
		Request: r,
		Writer:  rec,
		Env:     env,
		Start:   time.Now(),
		Path:    r.URL.Path,
		Verb:    r.Method,
	}
}

// Context carries the client's cancellation.
func (rc *RequestContext) Context() context.Context {
	return rc.Request.Context()
}

// SetEndpoint records the resolved endpoint. It can be set only once.
func (rc *RequestContext) SetEndpoint(e *route.Endpoint, routeParams map[string]string) error {
	if rc.endpoint != nil {
		return apperr.Defect(apperr.CodeMissingEndpoint, "endpoint already resolved")
	}
	rc.endpoint = e
	rc.RouteParams = routeParams
	return nil
}

// Endpoint returns the resolved endpoint, or a defect when resolution has not
// run.
func (rc *RequestContext) Endpoint() (*route.Endpoint, error) {
	if rc.endpoint == nil {
		return nil, apperr.Defect(apperr.CodeMissingEndpoint, "no endpoint in request context")
	}
	return rc.endpoint, nil
}

// ExtractAll builds the parameter sets once. Later calls return the sets
// already extracted, including any appended since.
func (rc *RequestContext) ExtractAll() ([]*params.Set, error) {
	if rc.Params != nil {
		return rc.Params, nil
	}
	e, err := rc.Endpoint()
	if err != nil {
		return nil, err
	}
	sets, err := params.Extract(rc.Request, params.Input{
		RouteParams:  rc.RouteParams,
		Claims:       rc.Claims,
		Patterns:     e.Patterns,
		MaxBodyBytes: rc.Env.Config.MaxBodyBytes(),
	})
	if err != nil {
		return nil, apperr.Input(http.StatusRequestEntityTooLarge, err.Error())
	}
	rc.Params = sets
	return sets, nil
}
