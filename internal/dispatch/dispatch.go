// Package dispatch implements the universal action-invocation pipeline every
// transport calls identically: lookup, session load, param validation,
// before-middleware, timed run, after-middleware, failure classification,
// and one structured log record per call. Grounded on the teacher's
// internal/middleware/logging.go StructuredLogger (status/method/path/
// latency fields, Info-vs-Error branching by outcome) and
// internal/notifications/client.go's buffered-channel timeout race,
// generalized from one Fiber handler per route into one pipeline every
// transport drives.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/logger"
)

// Response is what Dispatch returns on success; Error is returned instead on
// failure (spec §4.3: "dispatch(...) -> {response, error?}").
type Response struct {
	Value any
}

// SessionLoader loads or creates the session for a connection that hasn't
// loaded one yet (spec §4.3 step 2). Implemented directly by
// internal/conn.SessionStore, kept as an interface here to avoid dispatch
// depending on Redis directly.
type SessionLoader interface {
	LoadOrCreate(ctx context.Context, c *conn.Connection) (*conn.Session, error)
}

// sessionUpdater persists the authenticated identity a login/signup action
// resolves into the connection's session. Kept as a structurally-typed
// interface, same reasoning as spanTracer: dispatch type-asserts d.session
// against it rather than widening SessionLoader itself, so a SessionLoader
// that can't persist updates (a test double, say) simply skips this step.
type sessionUpdater interface {
	UpdateSession(ctx context.Context, sess *conn.Session, partial map[string]any) error
}

// spanTracer starts one span per dispatch call. Kept as a structurally-typed
// interface (rather than a direct dependency on internal/tracing) so
// dispatch stays usable without tracing wired in at all, the way
// SessionLoader keeps it usable without Redis.
type spanTracer interface {
	StartDispatchSpan(ctx context.Context, actionName, connType, method string) (context.Context, trace.Span)
}

// Dispatcher runs the pipeline against a process-wide action registry.
type Dispatcher struct {
	actions *action.Registry
	session SessionLoader
	log     *logger.Logger
	tracer  spanTracer
}

// New constructs a Dispatcher. session may be nil for processes that never
// need cookie/session-backed connections (e.g. a CLI action run with no
// identity), in which case step 2 is skipped.
func New(actions *action.Registry, session SessionLoader, log *logger.Logger) *Dispatcher {
	return &Dispatcher{actions: actions, session: session, log: log}
}

// SetTracer attaches a span tracer. Called once during process wiring;
// a Dispatcher with no tracer attached skips span creation entirely.
func (d *Dispatcher) SetTracer(t spanTracer) { d.tracer = t }

// Dispatch runs the full pipeline for one invocation of actionName against c.
// method and url are carried through for logging only (spec §4.3 step 8);
// transports that have no HTTP method/URL pass a transport tag ("CLI", "WS",
// "MCP", "TASK") as method and the action or queue name as url.
func (d *Dispatcher) Dispatch(ctx context.Context, c *conn.Connection, actionName string, raw *action.RawParams, method, url string) (resp Response, err error) {
	start := time.Now()

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.StartDispatchSpan(ctx, actionName, c.Type(), method)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}()
	}

	def, ok := d.actions.Lookup(actionName)
	if !ok {
		err := apperrors.New(apperrors.ConnectionActionNotFound, "action not found").WithKeyValue("name", actionName)
		d.logResult(ctx, actionName, c, method, url, nil, start, err)
		return Response{}, err
	}

	if d.session != nil && !c.SessionLoaded() {
		sess, err := d.session.LoadOrCreate(ctx, c)
		if err != nil {
			wrapped := apperrors.Wrap(apperrors.ConnectionSessionNotFound, "failed to load session", err)
			d.logResult(ctx, actionName, c, method, url, nil, start, wrapped)
			return Response{}, wrapped
		}
		c.AttachSession(sess)
	}

	params, err := action.Validate(def.InputSchema, raw)
	if err != nil {
		d.logResult(ctx, actionName, c, method, url, params, start, err)
		return Response{}, err
	}

	for _, mw := range def.Middleware {
		if mw.RunBefore == nil {
			continue
		}
		updated, err := mw.RunBefore(ctx, params, c)
		if err != nil {
			d.logResult(ctx, actionName, c, method, url, params, start, err)
			return Response{}, err
		}
		if updated != nil {
			params = updated
		}
	}

	result, err := d.run(ctx, def, params, c)
	if err != nil {
		d.logResult(ctx, actionName, c, method, url, params, start, err)
		return Response{}, err
	}

	if def.MCP.IsLoginAction || def.MCP.IsSignupAction {
		d.recordAuthenticatedIdentity(ctx, c, result)
	}

	for _, mw := range def.Middleware {
		if mw.RunAfter == nil {
			continue
		}
		updated, err := mw.RunAfter(ctx, params, result, c)
		if err != nil {
			d.logResult(ctx, actionName, c, method, url, params, start, err)
			return Response{}, err
		}
		if updated != nil {
			result = updated
		}
	}

	d.logResult(ctx, actionName, c, method, url, params, start, nil)
	return Response{Value: result}, nil
}

// recordAuthenticatedIdentity marks c as belonging to the user a successful
// user:login/user:signup run resolved (both return the bare user id string,
// spec §4.7). It always sets the connection-level identity, which every
// transport can see regardless of whether it ever loads a session, and
// additionally persists it into the session's Data when the session store
// supports it, so a later request presenting the same session cookie is
// recognized as authenticated too.
func (d *Dispatcher) recordAuthenticatedIdentity(ctx context.Context, c *conn.Connection, result any) {
	userID, ok := result.(string)
	if !ok || userID == "" {
		return
	}
	c.SetAuthenticatedUserID(userID)

	updater, ok := d.session.(sessionUpdater)
	if !ok || !c.SessionLoaded() || c.Session() == nil {
		return
	}
	if err := updater.UpdateSession(ctx, c.Session(), map[string]any{"userId": userID}); err != nil && d.log != nil {
		d.log.LogDispatch(ctx, logger.DispatchRecord{
			Action:    "session:update",
			Status:    "ERROR",
			ErrorType: "SESSION_UPDATE_FAILED",
		})
	}
}

// runResult carries a run's outcome across the timeout-race goroutine.
type runResult struct {
	value any
	err   error
}

// run invokes the action, racing it against timeoutMs when set (spec §4.3
// step 5), mirroring the teacher's buffered-channel-plus-select pattern in
// internal/notifications/client.go's Send/WritePump handshake.
func (d *Dispatcher) run(ctx context.Context, def *action.Definition, params map[string]any, c *conn.Connection) (any, error) {
	if def.TimeoutMS <= 0 {
		return d.invoke(ctx, def, params, c)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		value, err := d.invoke(runCtx, def, params, c)
		done <- runResult{value: value, err: err}
	}()

	timer := time.NewTimer(time.Duration(def.TimeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		cancel()
		return nil, apperrors.New(apperrors.ConnectionActionTimeout, "action timed out").WithKeyValue("name", def.Name)
	}
}

// invoke calls the action's Run function and classifies any non-typed panic
// or error as CONNECTION_ACTION_RUN (spec §4.3 step 7).
func (d *Dispatcher) invoke(ctx context.Context, def *action.Definition, params map[string]any, c *conn.Connection) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ConnectionActionRun, "action panicked").WithKeyValue("recovered", r)
		}
	}()

	result, runErr := def.Run(ctx, params, c)
	if runErr == nil {
		return result, nil
	}
	if _, ok := apperrors.As(runErr); ok {
		return nil, runErr
	}
	return nil, apperrors.Wrap(apperrors.ConnectionActionRun, "action returned an error", runErr)
}

// logResult emits the one structured record per dispatch call (spec §4.3 step 8).
func (d *Dispatcher) logResult(ctx context.Context, actionName string, c *conn.Connection, method, url string, params map[string]any, start time.Time, err error) {
	if d.log == nil {
		return
	}
	secretFields := map[string]bool{}
	if def, ok := d.actions.Lookup(actionName); ok {
		secretFields = def.InputSchema.SecretFields()
	}

	status := "OK"
	errorType := ""
	if err != nil {
		status = "ERROR"
		if typed, ok := apperrors.As(err); ok {
			errorType = string(typed.TypeOf)
		} else {
			errorType = string(apperrors.ConnectionActionRun)
		}
	}

	identifier, correlationID, connType, connID := "", "", "", ""
	if c != nil {
		identifier = c.Identifier()
		correlationID = c.CorrelationID()
		connType = c.Type()
		connID = c.ID()
	}

	d.log.LogDispatch(ctx, logger.DispatchRecord{
		Action:         actionName,
		ConnectionID:   connID,
		ConnectionType: connType,
		Identifier:     identifier,
		CorrelationID:  correlationID,
		Method:         method,
		URL:            url,
		Status:         status,
		DurationMS:     time.Since(start).Milliseconds(),
		Params:         logger.Sanitize(params, secretFields),
		ErrorType:      errorType,
	})
}
