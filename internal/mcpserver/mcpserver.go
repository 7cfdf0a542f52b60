// Package mcpserver wraps the MCP transport: one mcp.Tool per action whose
// mcp.enabled flag is set, each calling through internal/dispatch exactly
// like the HTTP/WS and CLI transports do (spec §4.3, §4.9: MCP wire protocol
// itself is delegated to the external collaborator, driven by dispatch).
// Grounded on the modelcontextprotocol/go-sdk usage in the pack's MCP
// gateway (pkg/gateway/dynamic_mcps.go's raw *mcp.Tool + handler
// registration, pkg/gateway/transport.go's mcp.NewStreamableHTTPHandler, and
// pkg/gateway/auth.go's bearer-token HTTP middleware), generalized from a
// hand-built catalog of gateway tools into one dynamic tool per registered
// action.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gofiber/fiber/v2"

	"actionkit/internal/action"
	"actionkit/internal/apperrors"
	"actionkit/internal/config"
	"actionkit/internal/conn"
	"actionkit/internal/dispatch"
	"actionkit/internal/logger"
	"actionkit/internal/oauth"
	"actionkit/internal/registry"
)

type tokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*oauth.AccessToken, error)
}

// Server is the MCP transport adapter, mounted at cfg.BasePath on the shared
// HTTP server (spec §4.7: MCP is the endpoint the OAuth server gates).
type Server struct {
	cfg        config.MCPServerConfig
	actions    *action.Registry
	dispatcher *dispatch.Dispatcher
	auth       tokenVerifier
	log        *logger.Logger

	mcp *mcp.Server
}

// New constructs a Server. auth may be nil, in which case every call is
// treated as unauthenticated (identifier-only, no userId).
func New(cfg config.MCPServerConfig, actions *action.Registry, dispatcher *dispatch.Dispatcher, auth tokenVerifier, log *logger.Logger) *Server {
	return &Server{cfg: cfg, actions: actions, dispatcher: dispatcher, auth: auth, log: log}
}

func (s *Server) Name() string       { return "mcpserver" }
func (s *Server) LoadPriority() int  { return 60 }
func (s *Server) StartPriority() int { return 60 }
func (s *Server) StopPriority() int  { return 90 }
func (s *Server) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer}
}

// Initialize builds the *mcp.Server and registers one tool per mcp-enabled
// action. It returns itself so RegisterRoutes can be called once the shared
// fiber app exists.
func (s *Server) Initialize(ctx context.Context) (any, error) {
	if !s.cfg.Enabled {
		return s, nil
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "actionkit", Version: "1.0.0"}, nil)
	for _, def := range s.actions.All() {
		if !def.MCP.Enabled {
			continue
		}
		tool := &mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schemaFor(def.InputSchema),
		}
		srv.AddTool(tool, s.handlerFor(def))
	}
	s.mcp = srv
	return s, nil
}

// RegisterRoutes mounts the streamable HTTP handler at cfg.BasePath, wrapped
// in a bearer-token check (spec §4.7: every MCP call carries the OAuth
// access token the authorization flow issued).
func (s *Server) RegisterRoutes(app *fiber.App) {
	if !s.cfg.Enabled {
		return
	}
	basePath := s.cfg.BasePath
	if basePath == "" {
		basePath = "/mcp"
	}
	streamHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
	app.All(basePath, adaptor.HTTPHandler(s.authMiddleware(streamHandler)))
	app.All(basePath+"/*", adaptor.HTTPHandler(s.authMiddleware(streamHandler)))
}

func (s *Server) Start(ctx context.Context, mode registry.RunMode) error { return nil }
func (s *Server) Stop(ctx context.Context) error                        { return nil }

// authMiddleware validates the Authorization: Bearer <token> header against
// internal/oauth's access-token store, stashing the resolved userId in
// request context for tool handlers to read back.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="actionkit"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, prefix)
		at, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil || at == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="actionkit"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey{}, at.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userIDContextKey struct{}

// handlerFor adapts one action.Definition into an mcp.ToolHandler: unmarshal
// CallToolRequest arguments into RawParams, dispatch, render the result or
// typed error as tool content (spec §4.3, generalized to MCP's
// content-block reply shape instead of a JSON body).
func (s *Server) handlerFor(def *action.Definition) func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw := action.NewRawParams()
		if len(req.Params.Arguments) > 0 {
			var args map[string]any
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, fmt.Errorf("mcpserver: unmarshal arguments: %w", err)
			}
			for k, v := range args {
				if list, ok := v.([]any); ok {
					for _, item := range list {
						raw.Add(k, item)
					}
					continue
				}
				raw.Set(k, v)
			}
		}

		c := conn.New(conn.TypeMCP, "mcp")
		if userID, ok := ctx.Value(userIDContextKey{}).(string); ok && userID != "" {
			c.SetAuthenticatedUserID(userID)
		}

		resp, err := s.dispatcher.Dispatch(ctx, c, def.Name, raw, "MCP", def.Name)
		if err != nil {
			typed, _ := apperrors.As(err)
			message := err.Error()
			if typed != nil {
				message = typed.Message
			}
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: message}},
			}, nil
		}

		body, err := json.Marshal(resp.Value)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: marshal response: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		}, nil
	}
}

// schemaFor translates an action.InputSchema into the jsonschema.Schema the
// SDK's tool registration expects, mirroring the gateway's hand-written
// mcp.Tool.InputSchema literals one field at a time.
func schemaFor(schema action.InputSchema) *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(schema))
	var required []string
	for name, field := range schema {
		props[name] = &jsonschema.Schema{
			Type:        jsonSchemaType(field.Kind),
			Description: field.Description,
		}
		if !field.Optional {
			required = append(required, name)
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func jsonSchemaType(kind action.FieldKind) string {
	switch kind {
	case action.KindInt:
		return "integer"
	case action.KindFloat:
		return "number"
	case action.KindBool:
		return "boolean"
	case action.KindList:
		return "array"
	default:
		return "string"
	}
}
