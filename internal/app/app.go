// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/chunker"
	db "github.com/trestle-ai/trestle/internal/core/database"
	"github.com/trestle-ai/trestle/internal/core/embedbatch"
	"github.com/trestle-ai/trestle/internal/core/ingest"
	"github.com/trestle-ai/trestle/internal/core/llm"
	objectclient "github.com/trestle-ai/trestle/internal/core/object-client"
	"github.com/trestle-ai/trestle/internal/core/ocr"
	"github.com/trestle-ai/trestle/internal/core/pagemodel"
	"github.com/trestle-ai/trestle/internal/core/retrieval"
	"github.com/trestle-ai/trestle/internal/services"
)

type App struct {
	DBClient     *db.DatabaseClient
	ObjectClient core.ObjectClient
	Pipeline     *ingest.Pipeline
	Server       *Server

	embedder *llm.GeminiEmbedder
	llm      *llm.GeminiLLM
	reranker *llm.GeminiReranker
	cancel   context.CancelFunc
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	pcfg, err := config.LoadPipeline(cfg.PipelinePath)
	if err != nil {
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object client initialized and ready.")

	geminiEmbedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the generator, %w", err)
	}

	reranker, err := llm.NewGeminiReranker(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the reranker, %w", err)
	}

	// PDFs go to the remote OCR service when one is configured, otherwise
	// to local extraction. Everything else falls back to docconv.
	var pdfExtractor core.PageExtractor = ocr.NewTabulaExtractor()
	if cfg.OCRBaseURL != "" {
		pdfExtractor = ocr.NewRemoteClient(cfg.OCRBaseURL, cfg.OCRAPIKey, cfg.OCRModel, pcfg.Extraction)
	}
	extractor := ocr.NewRouter(pdfExtractor, ocr.NewDocconvExtractor(false))

	ch := chunker.New(chunker.Config{
		MaxChunkSize: pcfg.Chunker.MaxChunkSize,
		Overlap:      pcfg.Chunker.Overlap,
	})
	embedMgr := embedbatch.New(geminiEmbedder, dbClient, pcfg.Embedding)

	pipeline := ingest.NewPipeline(dbClient, extractor, pagemodel.New(), ch, embedMgr, dbClient, pcfg)

	engine := retrieval.New(geminiEmbedder, dbClient, reranker, pcfg.Retrieval)

	docService := services.NewDocumentService(dbClient, objClient, cfg.BucketName)
	server := NewServer(cfg, dbClient, docService, pipeline, engine, llmProvider)

	runCtx, runCancel := context.WithCancel(ctx)
	pipeline.Start(runCtx, pcfg.Ingest.Workers)

	return &App{
		DBClient:     dbClient,
		ObjectClient: objClient,
		Pipeline:     pipeline,
		Server:       server,
		embedder:     geminiEmbedder,
		llm:          llmProvider,
		reranker:     reranker,
		cancel:       runCancel,
	}, nil
}

func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.llm != nil {
		_ = a.llm.Close()
	}
	if a.reranker != nil {
		_ = a.reranker.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
