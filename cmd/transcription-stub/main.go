// Package main runs a stand-in transcription backend for local development.
// It accepts the multipart uploads sent by the http provider and answers with
// a fixed text, in JSON or plain text as the request asks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
)

const maxUploadSize = 10 << 20

var (
	address string
	text    string
	delay   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "transcription-stub",
	Short: "Fake transcription backend",
	Long: `Fake transcription backend.

Point the aggregator at it with:
  transcription:
    provider: http
    endpoint: http://localhost:9000/transcribe`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		mux := http.NewServeMux()
		mux.Handle("/transcribe", &stubHandler{text: text, delay: delay, logger: logger})

		srv := &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Transcription stub listening",
				slog.String("endpoint", fmt.Sprintf("http://%s/transcribe", address)),
			)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&address, "address", "a", "localhost:9000", "listen address")
	rootCmd.Flags().StringVar(&text, "text", "this is a test transcription", "text returned for every chunk")
	rootCmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "simulated processing time")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type stubHandler struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)
	if r.FormValue("format") == "wav" {
		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid WAV upload: %v", err), http.StatusBadRequest)
			return
		}
		duration = info.Duration
	}

	h.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("chunk_id", r.FormValue("chunk_id")),
		slog.String("source_id", r.FormValue("source_id")),
		slog.String("label", r.FormValue("label")),
		slog.String("filename", header.Filename),
		slog.Int("size_bytes", len(data)),
		slog.Float64("duration", duration),
	)

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, h.text)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcription.Response{
		ChunkID:     r.FormValue("chunk_id"),
		SourceID:    r.FormValue("source_id"),
		Text:        h.text,
		Language:    language,
		Duration:    duration,
		ProcessedAt: time.Now(),
	})
}
