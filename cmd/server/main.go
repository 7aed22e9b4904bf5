package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agri-vision/leafscan-api/internal/config"
	"github.com/agri-vision/leafscan-api/internal/handlers"
	"github.com/agri-vision/leafscan-api/internal/intake"
	"github.com/agri-vision/leafscan-api/internal/logging"
	"github.com/agri-vision/leafscan-api/internal/metrics"
	"github.com/agri-vision/leafscan-api/internal/model"
)

func main() {
	root := &cobra.Command{
		Use:          "leafscan",
		Short:        "Rice leaf disease classification API",
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, args []string) error { return serve(cmd.Context()) },
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "classify <image>",
			Short: "Classify a local image and print the result as JSON",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return classify(args[0]) },
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newClassifier builds the classifier around a loader that opens the ONNX
// model on first use.
func newClassifier(cfg *config.Config, logger *slog.Logger) (*model.Classifier, *model.Loader, error) {
	metadata, err := model.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, nil, err
	}

	loader := model.NewLoader(func() (model.Model, error) {
		start := time.Now()
		logger.Info("loading model", "path", cfg.ModelPath, "layout", metadata.Layout, "image_size", cfg.ImageSize)
		m, err := model.NewOnnxModel(cfg.ModelPath, cfg.OrtLibrary, metadata, cfg.ImageSize)
		if err != nil {
			logger.Error("failed to load model", "path", cfg.ModelPath, "error", err)
			return nil, err
		}
		metrics.ModelLoadSeconds.Set(time.Since(start).Seconds())
		logger.Info("model loaded", "classes", metadata.Classes, "elapsed", time.Since(start))
		return m, nil
	})

	return model.NewClassifier(loader, metadata, cfg.ImageSize), loader, nil
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.SlogLevel())

	classifier, loader, err := newClassifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize classifier", "error", err)
		return err
	}
	defer loader.Close()

	if cfg.EagerLoad {
		if _, err := loader.Get(); err != nil {
			return fmt.Errorf("failed to initialize model: %w", err)
		}
	}

	store, err := intake.NewStore(cfg.UploadDir, cfg.NamingScheme)
	if err != nil {
		logger.Error("failed to prepare upload dir", "dir", cfg.UploadDir, "error", err)
		return err
	}

	handler := handlers.NewHandler(store, classifier, handlers.Options{
		ServiceName:    cfg.ServiceName,
		PublicBaseURL:  cfg.PublicBaseURL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.Routes(handler, cfg.AllowOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	logger.Info("server starting", "addr", server.Addr, "uploads", store.Dir(),
		"origins", cfg.AllowOrigins, "naming", cfg.NamingScheme)
	logger.Debug("endpoints", "routes", []string{
		"GET /", "GET /health", "POST /predict", "OPTIONS /predict", "GET /uploads/{filename}", "GET /metrics",
	})

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down server", "error", err)
		return err
	}
	logger.Info("server was shutdown")
	return nil
}

func classify(path string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.SlogLevel())

	classifier, loader, err := newClassifier(cfg, logger)
	if err != nil {
		return err
	}
	defer loader.Close()

	result, err := classifier.ClassifyFile(path)
	if err != nil {
		logger.Error("classification failed", "image", path, "error", err)
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
