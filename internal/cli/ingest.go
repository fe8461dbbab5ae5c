package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/checkpoint/sqlitestore"
	"github.com/trestle-ai/trestle/internal/core/chunker"
	"github.com/trestle-ai/trestle/internal/core/embedbatch"
	"github.com/trestle-ai/trestle/internal/core/ingest"
	"github.com/trestle-ai/trestle/internal/core/llm"
	"github.com/trestle-ai/trestle/internal/core/ocr"
	"github.com/trestle-ai/trestle/internal/core/pagemodel"
	"github.com/trestle-ai/trestle/internal/core/vectorstore/memory"
)

var watchDir string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents into the local index",
	Long: `Extracts, chunks and embeds the given documents into the local index.
A document that was already ingested is skipped; an interrupted one
resumes from its checkpoint. With --watch, keeps running and ingests
files as they appear in the watched directory.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&watchDir, "watch", "", "watch a directory and ingest new files")
	rootCmd.AddCommand(ingestCmd)
}

type localStack struct {
	pipeline *ingest.Pipeline
	store    *memory.Storage
	index    string
	embedder *llm.GeminiEmbedder
}

func buildLocalStack(ctx context.Context) (*localStack, error) {
	_ = godotenv.Load()

	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	pcfg, err := config.LoadPipeline(configPath)
	if err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}

	checkpoints, err := sqlitestore.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	store := memory.NewStorage()
	idx := indexPath(dir)
	if err := store.LoadFile(idx); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	embedder, err := llm.NewGeminiEmbedder(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("EMBED_MODEL"), 768)
	if err != nil {
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}

	var pdf core.PageExtractor = ocr.NewTabulaExtractor()
	if base := os.Getenv("OCR_BASE_URL"); base != "" {
		pdf = ocr.NewRemoteClient(base, os.Getenv("OCR_API_KEY"), os.Getenv("OCR_MODEL"), pcfg.Extraction)
	}
	extractor := ocr.NewRouter(pdf, ocr.NewDocconvExtractor(false))

	ch := chunker.New(chunker.Config{
		MaxChunkSize: pcfg.Chunker.MaxChunkSize,
		Overlap:      pcfg.Chunker.Overlap,
	})
	embedMgr := embedbatch.New(embedder, store, pcfg.Embedding)

	pipeline := ingest.NewPipeline(checkpoints, extractor, pagemodel.New(), ch, embedMgr, nil, pcfg)

	return &localStack{pipeline: pipeline, store: store, index: idx, embedder: embedder}, nil
}

func (s *localStack) Close() {
	_ = s.embedder.Close()
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && watchDir == "" {
		return fmt.Errorf("no files given; pass paths or --watch")
	}

	ctx := cmd.Context()
	stack, err := buildLocalStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	for _, arg := range args {
		if err := ingestFile(ctx, stack, arg); err != nil {
			return err
		}
	}

	if watchDir != "" {
		return watchAndIngest(ctx, stack, watchDir)
	}
	return nil
}

func ingestFile(ctx context.Context, stack *localStack, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	docID := localDocumentID(abs)
	src := core.DocumentSource{Path: abs, ContentType: contentTypeFor(abs)}

	log.Printf("ingesting %s (document %s)", path, docID)
	if err := stack.pipeline.ProcessOne(ctx, docID, src); err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	if err := stack.store.SaveFile(stack.index); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	cp, err := stack.pipeline.Status(ctx, docID)
	if err == nil && cp != nil {
		log.Printf("%s: %s (%d/%d pages, %d chunks embedded)",
			path, cp.Status, cp.LastPageProcessed, cp.TotalPages, len(cp.EmbeddedChunks))
	}
	return nil
}

func watchAndIngest(ctx context.Context, stack *localStack, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Printf("watching %s for new documents", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Create fires when the file appears; Write when copying finishes.
			// Ingestion is idempotent, so handling both just resumes a no-op.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !supportedFile(event.Name) {
				continue
			}
			if err := ingestFile(ctx, stack, event.Name); err != nil {
				log.Printf("watch ingest %s: %v", event.Name, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		}
	}
}

// localDocumentID derives a stable ID from the absolute path, so re-running
// ingest on the same file resumes instead of duplicating.
func localDocumentID(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])[:32]
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".html", ".htm":
		return "text/html"
	case ".txt", ".md":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func supportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".docx", ".html", ".htm", ".txt", ".md":
		return true
	}
	return false
}
