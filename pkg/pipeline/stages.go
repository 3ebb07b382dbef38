package pipeline

import (
	"cmp"
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/edgeflare/sqlgate/pkg/auth"
	"github.com/edgeflare/sqlgate/pkg/cache"
	"github.com/edgeflare/sqlgate/pkg/files"
	"github.com/edgeflare/sqlgate/pkg/gateway"
	"github.com/edgeflare/sqlgate/pkg/httputil"
	"github.com/edgeflare/sqlgate/pkg/httputil/middleware"
	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/edgeflare/sqlgate/pkg/respond"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/edgeflare/sqlgate/pkg/sqlexec"
	"go.uber.org/zap"
)

// Stage names.
const (
	StageResolve     = "resolve"
	StageCORS        = "cors"
	StageCredentials = "credentials"
	StageAuthorize   = "authorize"
	StageGateway     = "gateway"
	StageMandatory   = "mandatory"
	StageUpload      = "upload"
	StageQuery       = "query"
	StageDownload    = "download"
)

// DefaultRoleClaim is read when a route requires roles without naming the claim.
const DefaultRoleClaim = "roles"

// Default returns the canonical stages in order.
func Default() []Stage {
	return []Stage{
		Func(StageResolve, Resolve),
		Func(StageCORS, CORS),
		Func(StageCredentials, Credentials),
		Func(StageAuthorize, Authorize),
		Func(StageGateway, Gateway),
		Func(StageMandatory, Mandatory),
		Func(StageUpload, Upload),
		Func(StageQuery, Query),
		Func(StageDownload, Download),
	}
}

// Resolve finds the endpoint and derives the request flags. Pre-flight
// requests resolve with the method in Access-Control-Request-Method so they
// reach verb-specific routes.
func Resolve(rc *RequestContext) (Outcome, error) {
	cfg := rc.Env.Config
	r := rc.Request

	rc.Flags.Debug = debugRequested(r, cfg.Errors.DebugHeader, cfg.Errors.DebugSecret)
	if middleware.IsPreflight(r) {
		rc.Flags.Preflight = true
		rc.Verb = strings.ToUpper(r.Header.Get("Access-Control-Request-Method"))
	}

	e, routeParams, ok := rc.Env.Routes.Resolve(rc.Path, rc.Verb)
	if !ok {
		respond.Error(rc.Writer, http.StatusNotFound, "endpoint not found")
		return Terminate, nil
	}
	if err := rc.SetEndpoint(e, routeParams); err != nil {
		return Terminate, err
	}
	if e.Query != nil && e.Config.FileManagement != nil && e.Config.FileManagement.Download != nil {
		rc.Flags.FileDownload = true
	}
	httputil.Annotate(rc.Context(), zap.String("endpoint", e.Name), zap.String("endpoint_kind", e.Kind().String()))
	return Continue, nil
}

func debugRequested(r *http.Request, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	got := r.Header.Get(header)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// CORS sets the CORS headers configured for the endpoint and answers
// pre-flight requests with 204 before any credential is checked.
func CORS(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	middleware.CORSOptionsFrom(rc.Env.Config.CORSFor(e.Config)).Apply(rc.Writer.Header(), rc.Request)
	if rc.Flags.Preflight {
		rc.Writer.WriteHeader(http.StatusNoContent)
		return Terminate, nil
	}
	return Continue, nil
}

// Credentials checks the API key or basic credentials of the collections
// guarding the endpoint.
func Credentials(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	collections := rc.Env.Config.APIKeyCollections(e.Config)
	if len(collections) == 0 {
		return Continue, nil
	}
	if rc.Env.Credentials == nil {
		return Terminate, apperr.Input(http.StatusUnauthorized, "unauthorized")
	}
	principal, err := rc.Env.Credentials.Check(rc.Request, collections)
	if err != nil {
		return Terminate, apperr.Input(http.StatusUnauthorized, "unauthorized")
	}
	rc.Principal = principal
	rc.Request = rc.Request.WithContext(httputil.WithPrincipal(rc.Context(), principal))
	httputil.Annotate(rc.Context(), zap.String("principal", principal))
	return Continue, nil
}

// Authorize introspects the bearer token and checks roles. Routes with
// authorization disabled skip it entirely, whatever token is sent.
func Authorize(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	ac := e.Config.Authorize
	if ac == nil || !ac.Enabled {
		return Continue, nil
	}

	provider := rc.Env.Config.AuthorizeProvider(e.Config)
	if rc.Env.Authorizers == nil {
		return Terminate, apperr.Defect(apperr.CodeUnknownProvider, "no authorization providers configured")
	}
	a, err := rc.Env.Authorizers.Get(rc.Context(), provider)
	switch {
	case errors.Is(err, auth.ErrUnknownProvider):
		return Terminate, apperr.Defect(apperr.CodeUnknownProvider, "unknown authorization provider "+provider)
	case err != nil:
		return Terminate, apperr.Upstream(http.StatusServiceUnavailable, "authorization provider unavailable", err)
	}

	token, ok := auth.BearerToken(rc.Request)
	if !ok {
		return Terminate, apperr.Input(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := a.Authorize(rc.Context(), token)
	switch {
	case apperr.IsCanceled(err):
		return Terminate, apperr.Canceled(err)
	case errors.Is(err, auth.ErrInactiveToken):
		return Terminate, apperr.Input(http.StatusUnauthorized, "invalid token")
	case err != nil:
		return Terminate, apperr.Upstream(http.StatusBadGateway, "token introspection failed", err)
	}

	if len(ac.Roles) > 0 && !auth.HasAnyRole(claims, cmp.Or(ac.RoleClaim, DefaultRoleClaim), ac.Roles) {
		return Terminate, apperr.Input(http.StatusForbidden, "forbidden")
	}
	if ac.DBRoleClaim != "" {
		role, err := auth.DBRole(claims, ac.DBRoleClaim)
		if err != nil {
			return Terminate, apperr.Input(http.StatusForbidden, "forbidden")
		}
		rc.DBRole = role
	}
	rc.Claims = claims
	if sub, ok := claims["sub"].(string); ok {
		httputil.Annotate(rc.Context(), zap.String("sub", sub))
	}
	return Continue, nil
}

// Gateway forwards proxy endpoints upstream. Query endpoints pass through.
func Gateway(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	if e.Kind() != route.KindProxy {
		return Continue, nil
	}
	target, err := gateway.Target(e.Proxy, e.Patterns.Route, rc.RouteParams)
	if err != nil {
		d := apperr.Defect(apperr.CodeInvalidUpstream, "invalid upstream url")
		d.Err = err
		return Terminate, d
	}
	rc.Env.Gateway.Forward(rc.Writer, rc.Request, e.Proxy, target)
	return Terminate, nil
}

// Mandatory extracts the parameters and rejects requests missing a
// mandatory one.
func Mandatory(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	sets, err := rc.ExtractAll()
	if err != nil {
		return Terminate, err
	}
	if e.Query == nil {
		return Continue, nil
	}
	if missing := params.Missing(sets, e.Query.Mandatory, e.Query.Template, e.Query.CountTemplate); len(missing) > 0 {
		return Terminate, apperr.Input(http.StatusBadRequest, "missing mandatory parameters: "+strings.Join(missing, ", "))
	}
	return Continue, nil
}

// Upload stores the multipart files of upload endpoints and appends their
// descriptions as the files parameter set.
func Upload(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	fm := e.Config.FileManagement
	if fm == nil || fm.Upload == nil {
		return Continue, nil
	}
	up := fm.Upload
	store, ok := rc.Env.Stores[up.Store]
	if !ok {
		return Terminate, apperr.Defect(apperr.CodeUnknownFileStore, "unknown file store "+up.Store)
	}
	if _, err := rc.ExtractAll(); err != nil {
		return Terminate, err
	}

	saved, err := files.Save(rc.Request, store, files.Rules{
		Field:             up.Field,
		AllowedExtensions: up.AllowedExtensions,
		MaxFileSize:       up.MaxFileSize,
	}, rc.Env.now())
	var rejected *files.RejectedError
	switch {
	case errors.As(err, &rejected):
		return Terminate, apperr.Input(http.StatusBadRequest, rejected.Reason)
	case err != nil:
		return Terminate, apperr.Internal("storing upload", err)
	}
	if len(saved) == 0 {
		return Continue, nil
	}

	rc.Uploads, rc.UploadStore = saved, store
	set := params.NewSet(params.SourceFiles, e.Patterns.JSON)
	set.Document = files.Document(saved)
	rc.Params = append(rc.Params, set)
	httputil.Annotate(rc.Context(), zap.Int("uploads", len(saved)))
	return Continue, nil
}

// Query binds and runs the endpoint's statements and renders the result,
// or, for download endpoints, reads the file descriptor from the first row.
// Uploads of the request are removed when the query fails.
func Query(rc *RequestContext) (out Outcome, err error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	defer func() {
		if err != nil && len(rc.Uploads) > 0 {
			files.Rollback(rc.UploadStore, rc.Uploads)
			rc.Uploads = nil
		}
	}()

	q := e.Query
	if q == nil {
		return Terminate, apperr.Defect(apperr.CodeMissingEndpoint, "endpoint has no query")
	}
	if rc.Params == nil {
		return Terminate, apperr.Defect(apperr.CodeMissingParameters, "parameters were not extracted")
	}
	exec, err := rc.Env.Executors.Get(q.Connection)
	if err != nil {
		d := apperr.Defect(apperr.CodeUnknownConnection, "unknown connection "+q.Connection)
		d.Err = err
		return Terminate, d
	}

	classify := func(err error) error {
		return apperr.Classify(err, sqlexec.DomainCoder(rc.Env.Config.DomainBandBase()))
	}
	stmt := rc.statement(q.Template, exec)

	if rc.Flags.FileDownload {
		d, err := rc.descriptor(exec, stmt)
		if err != nil {
			return Terminate, classify(err)
		}
		rc.Download = d
		return Continue, nil
	}

	opts := respond.OptionsFor(q)
	load := func(ctx context.Context) (*respond.Payload, error) {
		count, err := rc.count(ctx, exec, q)
		if err != nil {
			return nil, err
		}
		rows, err := exec.Query(ctx, stmt)
		if err != nil {
			return nil, err
		}
		return respond.Render(ctx, opts, rows, count)
	}

	if q.CacheTTL > 0 && rc.Env.Cache != nil {
		key := cache.Key(e.Name+"\x00"+rc.DBRole, stmt.SQL, stmt.Args)
		// The first caller's load is shared by every waiter, so it must not
		// die with that caller's connection.
		p, _, err := rc.Env.Cache.GetOrLoad(key, q.CacheTTL, func() (*respond.Payload, error) {
			return load(context.WithoutCancel(rc.Context()))
		})
		if err != nil {
			return Terminate, classify(err)
		}
		if err := p.Write(rc.Writer); err != nil {
			return Terminate, apperr.Canceled(err)
		}
		return Terminate, nil
	}

	count, err := rc.count(rc.Context(), exec, q)
	if err != nil {
		return Terminate, classify(err)
	}
	rows, err := exec.Query(rc.Context(), stmt)
	if err != nil {
		return Terminate, classify(err)
	}
	committed, err := respond.Shape(rc.Context(), rc.Writer, opts, rows, count)
	if err != nil && committed {
		httputil.Logger(rc.Context()).Warn("response truncated", zap.Error(err))
		return Terminate, nil
	}
	if err != nil {
		return Terminate, classify(err)
	}
	return Terminate, nil
}

func (rc *RequestContext) statement(template string, exec sqlexec.Executor) sqlexec.Statement {
	b := params.Bind(template, rc.Params, exec.Placeholder())
	e, _ := rc.Endpoint()
	return sqlexec.Statement{
		SQL:     b.SQL,
		Args:    b.Args,
		Timeout: e.Query.Timeout,
		Role:    rc.DBRole,
		Claims:  rc.Claims,
	}
}

func (rc *RequestContext) count(ctx context.Context, exec sqlexec.Executor, q *route.Query) (*respond.Count, error) {
	if q.CountTemplate == "" {
		return nil, nil
	}
	rows, err := exec.Query(ctx, rc.statement(q.CountTemplate, exec))
	if err != nil {
		return nil, err
	}
	return respond.ReadCount(rows)
}

func (rc *RequestContext) descriptor(exec sqlexec.Executor, stmt sqlexec.Statement) (*files.Descriptor, error) {
	rows, err := exec.Query(rc.Context(), stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	row, err := rows.Row()
	if err != nil {
		return nil, err
	}
	d, ok := files.DescriptorFrom(row.Get)
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// Download sends the file the query stage found.
func Download(rc *RequestContext) (Outcome, error) {
	e, err := rc.Endpoint()
	if err != nil {
		return Terminate, err
	}
	if !rc.Flags.FileDownload {
		return Continue, nil
	}
	if rc.Download == nil {
		return Terminate, apperr.Input(http.StatusNotFound, "file not found")
	}
	name := e.Config.FileManagement.Download.Store
	store, ok := rc.Env.Stores[name]
	if !ok {
		return Terminate, apperr.Defect(apperr.CodeUnknownFileStore, "unknown file store "+name)
	}
	err = files.Serve(rc.Writer, rc.Request, store, *rc.Download)
	if errors.Is(err, files.ErrNotFound) {
		return Terminate, apperr.Input(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return Terminate, apperr.Internal("reading file", err)
	}
	return Terminate, nil
}
