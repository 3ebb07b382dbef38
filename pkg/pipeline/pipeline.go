// Package pipeline dispatches a request through an ordered list of stages.
//
// Every stage reads and writes the request's RequestContext and either lets
// the next stage run or terminates the request, having written the response.
// A stage error is classified and written by the orchestrator. Once a stage
// terminates no later stage runs, and a request that reaches the end of the
// list without a response is a configuration defect.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/edgeflare/sqlgate/pkg/httputil"
	"github.com/edgeflare/sqlgate/pkg/metrics"
	"github.com/edgeflare/sqlgate/pkg/respond"
	"go.uber.org/zap"
)

// Outcome tells the orchestrator whether to run the next stage.
type Outcome int

const (
	Continue Outcome = iota
	// Terminate means the stage wrote the response.
	Terminate
)

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(rc *RequestContext) (Outcome, error)
}

type stageFunc struct {
	run  func(rc *RequestContext) (Outcome, error)
	name string
}

func (s stageFunc) Name() string                            { return s.name }
func (s stageFunc) Run(rc *RequestContext) (Outcome, error) { return s.run(rc) }

// Func turns fn into a Stage.
func Func(name string, fn func(rc *RequestContext) (Outcome, error)) Stage {
	return stageFunc{name: name, run: fn}
}

// Orchestrator runs stages in order for every request.
type Orchestrator struct {
	env    func() *Env
	logger *zap.Logger
	stages []Stage
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns an orchestrator running stages against the Env env returns at
// the start of each request.
func New(env func() *Env, stages []Stage, opts ...Option) *Orchestrator {
	o := &Orchestrator{env: env, stages: stages, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stages returns the stage names in run order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name()
	}
	return names
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext(w, r, o.env())
	defer o.observe(rc)

	for _, s := range o.stages {
		out, err := o.run(rc, s)
		if err != nil {
			o.fail(rc, s.Name(), err)
			return
		}
		if out == Terminate {
			return
		}
	}
	o.fail(rc, "end", apperr.Defect(apperr.CodeNoResponse, "no stage produced a response"))
}

// run calls s, turning a panic into a defect.
func (o *Orchestrator) run(rc *RequestContext, s Stage) (out Outcome, err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v == http.ErrAbortHandler {
			panic(v)
		}
		o.logger.Error("stage panicked",
			zap.String("stage", s.Name()),
			zap.String("panic", fmt.Sprint(v)),
			zap.ByteString("stack", debug.Stack()))
		e := apperr.Defect(apperr.CodeStagePanic, "stage "+s.Name()+" failed")
		e.Err = fmt.Errorf("panic: %v", v)
		out, err = Terminate, e
	}()
	return s.Run(rc)
}

func (o *Orchestrator) fail(rc *RequestContext, stage string, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal("unexpected failure", err)
	}
	metrics.ObserveFailure(stage, ae.Kind.String())

	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("kind", ae.Kind.String()),
		zap.Error(ae),
	}
	if ae.Code != "" {
		fields = append(fields, zap.String("code", ae.Code))
	}
	httputil.Annotate(rc.Context(), fields...)

	logger := httputil.Logger(rc.Context())
	switch ae.Kind {
	case apperr.KindCanceled:
		logger.Debug("request canceled", fields...)
		return
	case apperr.KindDefect:
		o.logger.Error("request failed", append(fields, zap.String("req_id", httputil.RequestID(rc.Context())))...)
	}

	if rc.Writer.Written() {
		logger.Warn("failure after response started", fields...)
		return
	}
	respond.Problem(rc.Writer, ae, rc.Env.Config.GenericMessage(), rc.Flags.Debug)
}

func (o *Orchestrator) observe(rc *RequestContext) {
	var name, kind string
	if e, err := rc.Endpoint(); err == nil {
		name, kind = e.Name, e.Kind().String()
	}
	status := rc.Writer.StatusCode
	if !rc.Writer.Written() {
		status = 499
	}
	metrics.ObserveRequest(name, kind, status, time.Since(rc.Start))
}
