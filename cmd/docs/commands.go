package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/spf13/cobra"
)

// writeContext is attached to every event bulk written by the cli
const writeContext = "ddoc-cli"

var (
	putCmd = &cobra.Command{
		Use:   "put [document|-]",
		Short: "Inserts or replaces a document (JSON, - reads stdin)",
		Long:  "Inserts or replaces a document. The current revision is read first, so the write only fails if the document changed in between. A _rev in the input is ignored.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			delete(doc, schema.FieldRev)

			ctx, cancel := commandContext(cmd)
			defer cancel()

			id := doc.ID(instance.Schema().PrimaryKey)
			if id == "" {
				return fmt.Errorf("document has no primary key %q", instance.Schema().PrimaryKey)
			}
			prev, err := currentDocument(ctx, id)
			if err != nil {
				return err
			}
			return writeOne(ctx, cmd.OutOrStdout(), storage.BulkWriteRow{Previous: prev, Document: doc})
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [id...]",
		Short: "Reads documents by their primary key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			withDeleted, _ := cmd.Flags().GetBool("with-deleted")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			found, err := instance.FindDocumentsByID(ctx, args, withDeleted)
			if err != nil {
				return err
			}
			return util.PrintJSON(cmd.OutOrStdout(), found)
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Soft deletes a document",
		Long:  "Marks a document as deleted. Deleted documents stay in the change feed until cleanup purges them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			prev, err := currentDocument(ctx, args[0])
			if err != nil {
				return err
			}
			if prev == nil || prev.Deleted() {
				return kv.NewError(kv.RetCNotFound, fmt.Sprintf("document %q does not exist", args[0]))
			}
			doc := prev.Clone()
			delete(doc, schema.FieldRev)
			doc[schema.FieldDeleted] = true
			return writeOne(ctx, cmd.OutOrStdout(), storage.BulkWriteRow{Previous: prev, Document: doc})
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [selector]",
		Short: "Runs a query and prints the matching documents",
		Long:  `Runs a query. The selector is a JSON object (e.g. '{"age": {"$gt": 18}}'), an empty selector matches every document.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pq, err := prepareQuery(cmd, args)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for doc, err := range instance.QueryIter(ctx, pq) {
				if err != nil {
					return err
				}
				if err := enc.Encode(doc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	countCmd = &cobra.Command{
		Use:   "count [selector]",
		Short: "Counts the documents matching a selector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pq, err := prepareQuery(cmd, args)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := instance.Count(ctx, pq)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "count=%d, mode=%s\n", res.Count, res.Mode)
			return nil
		},
	}
	changesCmd = &cobra.Command{
		Use:   "changes",
		Short: "Prints the documents changed since a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, _ := cmd.Flags().GetString("since")
			limit, _ := cmd.Flags().GetInt("limit")

			var cp *storage.Checkpoint
			if since != "" {
				parsed, err := storage.ParseCheckpoint(since)
				if err != nil {
					return err
				}
				cp = &parsed
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			res, err := instance.GetChangedDocumentsSince(ctx, limit, cp)
			if err != nil {
				return err
			}
			return util.PrintJSON(cmd.OutOrStdout(), struct {
				Documents  []schema.Document `json:"documents"`
				Checkpoint string            `json:"checkpoint"`
			}{res.Documents, res.Checkpoint.String()})
		},
	}
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Purges documents that were deleted before --min-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			minAge, _ := cmd.Flags().GetDuration("min-age")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			rounds := 0
			for {
				rounds++
				pending, err := instance.Cleanup(ctx, minAge)
				if err != nil {
					return err
				}
				if !pending {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleanup done after %d round(s)\n", rounds)
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints information about the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			info, err := instance.Info(ctx)
			if err != nil {
				return err
			}
			return util.PrintJSON(cmd.OutOrStdout(), map[string]any{
				"keySpace":    instance.KeySpace(),
				"primaryKey":  instance.Schema().PrimaryKey,
				"consistency": instance.Settings().Consistency.String(),
				"totalCount":  info.TotalCount,
			})
		},
	}
)

func init() {
	getCmd.Flags().Bool("with-deleted", false, util.WrapString("Also return soft deleted documents"))

	for _, c := range []*cobra.Command{queryCmd, countCmd} {
		c.Flags().String("sort", "", util.WrapString("Comma-separated sort fields, a leading '-' sorts descending (e.g. age,-name)"))
		c.Flags().Int("skip", 0, util.WrapString("Number of matching documents to skip"))
		c.Flags().Int("limit", 0, util.WrapString("Maximum number of documents (0 = unlimited)"))
	}

	changesCmd.Flags().String("since", "", util.WrapString("Checkpoint returned by a previous call (empty = from the beginning)"))
	changesCmd.Flags().Int("limit", 100, util.WrapString("Maximum number of documents (0 = unlimited)"))

	cleanupCmd.Flags().Duration("min-age", 24*time.Hour, util.WrapString("Only documents deleted at least this long ago are purged"))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// readDocument parses a document from the argument, "-" reads it from in
func readDocument(arg string, in io.Reader) (schema.Document, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		if raw, err = io.ReadAll(in); err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
	}
	return schema.Unmarshal(raw)
}

// currentDocument returns the stored state of id including soft deletes, nil if it was never written
func currentDocument(ctx context.Context, id string) (schema.Document, error) {
	found, err := instance.FindDocumentsByID(ctx, []string{id}, true)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// writeOne writes a single row and prints the stored document
func writeOne(ctx context.Context, w io.Writer, row storage.BulkWriteRow) error {
	resp, err := instance.BulkWrite(ctx, []storage.BulkWriteRow{row}, writeContext)
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return resp.Errors[0]
	}
	return util.PrintJSON(w, resp.Success[0])
}

// prepareQuery builds a prepared query from the selector argument and the query flags
func prepareQuery(cmd *cobra.Command, args []string) (query.PreparedQuery, error) {
	q := query.Query{}
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		if err := json.Unmarshal([]byte(args[0]), &q.Selector); err != nil {
			return query.PreparedQuery{}, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("invalid selector: %v", err))
		}
	}
	sort, _ := cmd.Flags().GetString("sort")
	q.Sort = parseSort(sort)
	q.Skip, _ = cmd.Flags().GetInt("skip")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	return instance.Prepare(q)
}

// parseSort parses "a,-b" into ascending a and descending b
func parseSort(s string) []query.SortField {
	var fields []query.SortField
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			fields = append(fields, query.SortField{Path: part[1:], Desc: true})
		} else {
			fields = append(fields, query.SortField{Path: strings.TrimPrefix(part, "+")})
		}
	}
	return fields
}

// stderr is used for progress output that must not mix with json results
var stderr io.Writer = os.Stderr
