// internal/driver/mcpdriver/driver.go
package mcpdriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Name identifies this driver in reports.
const Name = "mcp"

const (
	defaultCallTimeout = 60 * time.Second
	initializeTimeout  = 30 * time.Second
	clientName         = "sentinel"
)

// ToolCaller is the part of an MCP client the driver needs.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Driver implements schemas.Driver by calling the tools of a
// browser-automation MCP server. Tool calls are paced by a token bucket so a
// suite never floods the server.
type Driver struct {
	client       ToolCaller
	tools        map[string]string
	limiter      *rate.Limiter
	callTimeout  time.Duration
	artifactsDir string
	logger       *zap.Logger
}

// Connect starts an MCP client for cfg (stdio when a command is configured,
// streamable HTTP otherwise), performs the protocol handshake and returns a
// driver bound to it.
func Connect(ctx context.Context, cfg config.DriverConfig, version string, logger *zap.Logger) (*Driver, error) {
	m := cfg.MCP
	var c *client.Client
	var err error
	switch {
	case m.Command != "":
		c, err = client.NewStdioMCPClient(m.Command, m.Env, m.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start MCP server %q: %w", m.Command, err)
		}
	case m.Endpoint != "":
		c, err = client.NewStreamableHttpClient(m.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable HTTP client: %w", err)
		}
	default:
		return nil, errors.New("mcp driver requires a command or an endpoint")
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: version}
	info, err := c.Initialize(initCtx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	d := New(c, cfg, logger)
	d.logger.Info("Connected to MCP server.",
		zap.String("server", info.ServerInfo.Name),
		zap.String("server_version", info.ServerInfo.Version))
	return d, nil
}

// New wraps an already initialized client.
func New(c ToolCaller, cfg config.DriverConfig, logger *zap.Logger) *Driver {
	limit := rate.Inf
	if cfg.MCP.ActionsPerSecond > 0 {
		limit = rate.Limit(cfg.MCP.ActionsPerSecond)
	}
	timeout := cfg.MCP.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Driver{
		client:       c,
		tools:        toolNames(cfg.MCP.Tools),
		limiter:      rate.NewLimiter(limit, 1),
		callTimeout:  timeout,
		artifactsDir: cfg.Browser.ArtifactsDir,
		logger:       logger.Named("mcp_driver"),
	}
}

func (d *Driver) Name() string { return Name }

// call invokes the tool serving op and returns its content.
func (d *Driver) call(ctx context.Context, op string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if d.client == nil {
		return nil, schemas.ErrNotConnected
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = d.tools[op]
	req.Params.Arguments = args

	start := time.Now()
	res, err := d.client.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s failed: %w", req.Params.Name, err)
	}
	if res == nil {
		return nil, &schemas.ContractError{Op: op, Err: errors.New("empty tool result")}
	}
	d.logger.Debug("Tool call completed.", zap.String("tool", req.Params.Name), zap.Duration("took", time.Since(start)))
	if res.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", req.Params.Name, resultText(res))
	}
	return res, nil
}

func (d *Driver) callText(ctx context.Context, op string, args map[string]interface{}) (string, error) {
	res, err := d.call(ctx, op, args)
	if err != nil {
		return "", err
	}
	return resultText(res), nil
}

// resultText joins the text content of a result.
func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (d *Driver) OpenTab(ctx context.Context) (string, error) {
	text, err := d.callText(ctx, OpTabCreate, map[string]interface{}{})
	if err != nil {
		return "", fmt.Errorf("failed to open tab: %w", err)
	}
	id := extractTabID(text)
	if id == "" {
		return "", &schemas.ContractError{Op: OpTabCreate, Err: errors.New("no tab id in response")}
	}
	return id, nil
}

func (d *Driver) CloseTab(ctx context.Context, tabID string) error {
	_, err := d.call(ctx, OpTabClose, map[string]interface{}{"tabId": tabID})
	return err
}

func (d *Driver) Navigate(ctx context.Context, tabID, url string) error {
	_, err := d.call(ctx, OpNavigate, map[string]interface{}{"tabId": tabID, "url": url})
	return err
}

// Find asks the server for an element matching the target's description.
func (d *Driver) Find(ctx context.Context, tabID string, target schemas.Target) (schemas.ElementRef, error) {
	query := target.String()
	if target.Selector != "" && target.Text != "" {
		query = fmt.Sprintf("%s containing %q", target.Selector, target.Text)
	}
	text, err := d.callText(ctx, OpFind, map[string]interface{}{"tabId": tabID, "query": query})
	if err != nil {
		return schemas.ElementRef{}, err
	}
	ref, ok := extractRef(text)
	if !ok {
		if strings.TrimSpace(text) == "" || notFoundRegex.MatchString(text) {
			return schemas.ElementRef{}, fmt.Errorf("%w: %s", schemas.ErrElementNotFound, query)
		}
		return schemas.ElementRef{}, &schemas.ContractError{Op: OpFind, Err: fmt.Errorf("no element reference in %q", text)}
	}
	return schemas.ElementRef{ID: ref, Description: query}, nil
}

var computerActions = map[schemas.ActKind]string{
	schemas.ActClick:  "left_click",
	schemas.ActType:   "type",
	schemas.ActHover:  "hover",
	schemas.ActScroll: "scroll",
	schemas.ActKey:    "key",
}

// Act maps interactions onto the computer, form_input and upload tools.
func (d *Driver) Act(ctx context.Context, tabID string, in schemas.Interaction) error {
	args := map[string]interface{}{"tabId": tabID}
	if in.Ref != nil {
		args["ref"] = in.Ref.ID
	}
	if in.Coordinate != nil {
		args["coordinate"] = []float64{in.Coordinate.X, in.Coordinate.Y}
	}

	switch in.Kind {
	case schemas.ActSelect, schemas.ActClear:
		if in.Ref == nil {
			return &schemas.ContractError{Op: "act", Err: fmt.Errorf("%s requires an element reference", in.Kind)}
		}
		args["value"] = in.Payload
		_, err := d.call(ctx, OpFormInput, args)
		return err
	case schemas.ActUpload:
		if in.Ref == nil {
			return &schemas.ContractError{Op: "act", Err: errors.New("upload requires an element reference")}
		}
		args["paths"] = []string{in.Payload}
		_, err := d.call(ctx, OpUpload, args)
		return err
	}

	action, ok := computerActions[in.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", schemas.ErrUnsupportedAction, in.Kind)
	}
	args["action"] = action
	switch in.Kind {
	case schemas.ActType, schemas.ActKey:
		args["text"] = in.Payload
	case schemas.ActScroll:
		direction := strings.ToLower(strings.TrimSpace(in.Payload))
		if direction == "" {
			direction = "down"
		}
		args["scroll_direction"] = direction
	}
	_, err := d.call(ctx, OpComputer, args)
	return err
}

// Snapshot returns the server's accessibility-tree rendering of the page.
func (d *Driver) Snapshot(ctx context.Context, tabID string) (string, error) {
	return d.callText(ctx, OpReadPage, map[string]interface{}{"tabId": tabID})
}

// Screenshot stores the first image the server returns under the artifacts
// directory. Servers that answer with text get that text back as the handle.
func (d *Driver) Screenshot(ctx context.Context, tabID string) (string, error) {
	res, err := d.call(ctx, OpScreenshot, map[string]interface{}{"tabId": tabID})
	if err != nil {
		return "", err
	}
	for _, c := range res.Content {
		img, ok := mcp.AsImageContent(c)
		if !ok {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return "", &schemas.ContractError{Op: OpScreenshot, Err: err}
		}
		return d.saveImage(tabID, img.MIMEType, data)
	}
	if text := strings.TrimSpace(resultText(res)); text != "" {
		return text, nil
	}
	return "", &schemas.ContractError{Op: OpScreenshot, Err: errors.New("no image in response")}
}

func (d *Driver) saveImage(tabID, mime string, data []byte) (string, error) {
	dir := d.artifactsDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	ext := ".png"
	if strings.Contains(mime, "jpeg") {
		ext = ".jpg"
	}
	name := fmt.Sprintf("mcp-%s-%d%s", sanitize(tabID), time.Now().UnixNano(), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == ':' {
			return '_'
		}
		return r
	}, s)
}

func (d *Driver) CurrentURL(ctx context.Context, tabID string) (string, error) {
	text, err := d.callText(ctx, OpCurrentURL, map[string]interface{}{"tabId": tabID})
	if err != nil {
		return "", err
	}
	return extractURL(text), nil
}

func readArgs(tabID, patternKey string, opts schemas.ReadOptions) map[string]interface{} {
	args := map[string]interface{}{"tabId": tabID}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}
	if opts.Pattern != "" {
		args[patternKey] = opts.Pattern
	}
	if opts.Clear {
		args["clear"] = true
	}
	return args
}

func (d *Driver) ReadConsole(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	return d.callText(ctx, OpConsole, readArgs(tabID, "pattern", opts))
}

func (d *Driver) ReadNetwork(ctx context.Context, tabID string, opts schemas.ReadOptions) (string, error) {
	return d.callText(ctx, OpNetwork, readArgs(tabID, "urlPattern", opts))
}

// Close shuts the MCP client down, which also stops a stdio server process.
func (d *Driver) Close(context.Context) error {
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

var _ schemas.Driver = (*Driver)(nil)
