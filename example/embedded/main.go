package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mcp "github.com/kaeawc/app-mcp"
)

type staticTools struct{}

func (staticTools) ListTools(context.Context) ([]mcp.Tool, error) {
	schema := json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": { "type": "string" }
  },
  "required": ["name"]
}`)
	return []mcp.Tool{
		{
			Name:        "greet",
			Description: "Greets the caller by name",
			InputSchema: schema,
		},
	}, nil
}

func (staticTools) CallTool(_ context.Context, name string, args []byte) (mcp.CallToolResult, error) {
	if name != "greet" {
		return mcp.CallToolResult{}, mcp.ErrToolNotFound
	}

	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.CallToolResult{}, err
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Hello, %s!", params.Name),
			},
		},
	}, nil
}

type fileResources struct {
	dir string
}

func (f fileResources) ListResources(context.Context) ([]mcp.Resource, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	var resources []mcp.Resource
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		resources = append(resources, mcp.Resource{
			URI:      fmt.Sprintf("file://%s/%s", f.dir, e.Name()),
			Name:     e.Name(),
			MimeType: "text/plain",
		})
	}
	return resources, nil
}

func (f fileResources) ReadResource(_ context.Context, uri string) (mcp.ReadResourceResult, error) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return mcp.ReadResourceResult{}, mcp.ErrResourceNotFound
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mcp.ReadResourceResult{}, mcp.ErrResourceNotFound
		}
		return mcp.ReadResourceResult{}, err
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      uri,
				MimeType: "text/plain",
				Text:     string(bs),
			},
		},
	}, nil
}

type dirPolicy struct {
	dir string
}

func (p dirPolicy) IsAccessible(uri string) bool {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return false
	}
	return strings.HasPrefix(path, p.dir+"/") && !strings.Contains(path, "..")
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := mcp.ConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dir, err := os.MkdirTemp("", "app-mcp-example")
	if err != nil {
		log.Fatalf("create resource dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(dir+"/notes.txt", []byte("hello\n"), 0o600); err != nil {
		log.Fatalf("seed resource: %v", err)
	}

	srv := mcp.NewServer(
		mcp.Info{Name: "app-mcp-example", Version: "0.1.0"},
		mcp.WithConfig(cfg),
		mcp.WithServerLogger(logger),
		mcp.WithToolProvider(staticTools{}),
		mcp.WithResourceProvider(fileResources{dir: dir}),
		mcp.WithAccessPolicy(dirPolicy{dir: dir}),
		mcp.WithTransport(mcp.NewSocketServer(cfg.SocketAddr, mcp.WithSocketServerLogger(logger))),
		mcp.WithTransport(mcp.NewStreamServer(cfg.StreamAddr, mcp.WithStreamServerLogger(logger))),
		mcp.WithServerOnClientConnected(func(id string) {
			logger.Info("client connected", slog.String("sessionID", id))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	)

	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil {
			log.Fatalf("serve: %v", err)
		}
	case <-sigs:
		fmt.Println("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}

	fmt.Println("Server exited gracefully")
}
