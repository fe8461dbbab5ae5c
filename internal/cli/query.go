package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core/llm"
	"github.com/trestle-ai/trestle/internal/core/retrieval"
	"github.com/trestle-ai/trestle/internal/core/vectorstore/memory"
	"github.com/trestle-ai/trestle/internal/models"
)

var (
	queryTopK     int
	queryDocument string
	queryJSON     bool
	queryNoAnswer bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a question against the local index",
	Long: `Retrieves the most relevant chunks for the question, reranks them,
and generates an answer with page-level citations. With --no-answer,
prints the retrieved context blocks instead of calling the generator.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "n", 0, "number of chunks to retrieve (0 = configured default)")
	queryCmd.Flags().StringVar(&queryDocument, "document", "", "restrict the search to one document ID")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().BoolVar(&queryNoAnswer, "no-answer", false, "print retrieved context without generating an answer")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	question := args[0]
	ctx := cmd.Context()

	dir, err := resolveDataDir()
	if err != nil {
		return err
	}

	pcfg, err := config.LoadPipeline(configPath)
	if err != nil {
		return fmt.Errorf("load pipeline config: %w", err)
	}

	store := memory.NewStorage()
	if err := store.LoadFile(indexPath(dir)); err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	if store.Len() == 0 {
		return fmt.Errorf("index is empty; run 'trestle ingest' first")
	}

	embedder, err := llm.NewGeminiEmbedder(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("EMBED_MODEL"), 768)
	if err != nil {
		return fmt.Errorf("initialize embedder: %w", err)
	}
	defer embedder.Close()

	// The lexical reranker keeps queries cheap; generation is the only other
	// provider call.
	engine := retrieval.New(embedder, store, retrieval.NewLexicalReranker(), pcfg.Retrieval)

	result, err := engine.Query(ctx, question, queryTopK, queryDocument)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if result.NoRelevantContext {
		cmd.Println("I couldn't find this information in the indexed documents.")
		return nil
	}

	if queryNoAnswer {
		return printBlocks(cmd, result)
	}

	gen, err := llm.NewGeminiLLM(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("GEN_MODEL"))
	if err != nil {
		return fmt.Errorf("initialize generator: %w", err)
	}
	defer gen.Close()

	system, user := retrieval.BuildPrompt(question, result.Blocks)
	answer, err := gen.Generate(ctx, system, user)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}

	if queryJSON {
		return printJSON(cmd, map[string]any{
			"answer": answer,
			"blocks": result.Blocks,
		})
	}

	cmd.Println(answer)
	cmd.Println()
	cmd.Println("Sources:")
	for i, b := range result.Blocks {
		cmd.Printf("  [%d] %s\n", i+1, formatCitation(b))
	}
	return nil
}

func printBlocks(cmd *cobra.Command, result *models.RetrievalResult) error {
	if queryJSON {
		return printJSON(cmd, result)
	}
	for i, b := range result.Blocks {
		cmd.Printf("--- [%d] %s (score %.2f)\n", i+1, formatCitation(b), b.RerankScore)
		cmd.Println(b.Text)
		cmd.Println()
	}
	return nil
}

func formatCitation(b models.ContextBlock) string {
	pages := fmt.Sprintf("page %d", b.Citation.StartPage)
	if b.Citation.EndPage > b.Citation.StartPage {
		pages = fmt.Sprintf("pages %d-%d", b.Citation.StartPage, b.Citation.EndPage)
	}
	return fmt.Sprintf("document %s, %s", b.Citation.DocumentID, pages)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
