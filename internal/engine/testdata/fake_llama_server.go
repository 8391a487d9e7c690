package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var model, host, port, mmproj string
	var nctx, ngl, nb, nub, nt int
	// Accept the llama-server flags the spawn backend passes.
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&mmproj, "mmproj", "", "projector path")
	flag.IntVar(&nctx, "c", 0, "context size")
	flag.IntVar(&ngl, "ngl", 0, "gpu layers")
	flag.IntVar(&nb, "b", 0, "batch")
	flag.IntVar(&nub, "ub", 0, "ubatch")
	flag.IntVar(&nt, "t", 0, "threads")
	flag.Parse()

	// llama-server refuses to start with a projector it cannot read.
	if mmproj != "" {
		b, err := os.ReadFile(mmproj)
		if err != nil || len(b) < 4 || string(b[:4]) != "GGUF" {
			fmt.Fprintf(os.Stderr, "clip_model_load: failed to load %s\nfailed to load multimodal model\n", mmproj)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"test","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"spawned", " ok"} {
			b, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"text": tok}}})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	srv := &http.Server{Addr: fmt.Sprintf("%s:%s", host, port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
