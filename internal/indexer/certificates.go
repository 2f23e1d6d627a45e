package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// maxCertificateLine bounds one JSON line of a certificate export
const maxCertificateLine = 1 << 20

// LoadCertificates indexes one certificate per JSON line of r into index,
// keyed by LMK_KEY. Lines that do not decode or lack a key are rejected and
// counted; a store failure stops the load.
func LoadCertificates(ctx context.Context, store bulk.Writer, index string, r io.Reader, cfg bulk.Config) (*runstate.Run, error) {
	run := runstate.NewRun(runstate.OperationLoad, index)
	log.Printf("Loading certificates into %s", index)

	writer := bulk.NewIndexer(store, cfg)
	err := loadLines(ctx, writer, index, r, run)

	summary, bulkErr := writer.Close()
	if err == nil {
		err = bulkErr
	}
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Aborted = summary.Aborted
	for _, itemErr := range summary.Errors {
		run.AddError("%s: status %d: %s", itemErr.ID, itemErr.Status, itemErr.Reason)
	}
	run.Finish(err)

	log.Printf("Certificate load finished: %s", run)
	return run, err
}

func loadLines(ctx context.Context, writer *bulk.Indexer, index string, r io.Reader, run *runstate.Run) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCertificateLine)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		run.Processed++

		doc, lmkKey, err := normalizeCertificate(data)
		if err != nil {
			run.Rejected++
			run.AddError("line %d: %v", line, err)
			continue
		}

		if err := writer.Add(ctx, search.BulkItem{
			Action: search.ActionIndex,
			Index:  index,
			ID:     lmkKey,
			Doc:    doc,
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read certificates at line %d: %w", line+1, err)
	}
	return nil
}

// normalizeCertificate returns the document to index and its LMK_KEY. A
// numeric UPRN is rewritten as a string so it is grouped under the keyword
// field like every other UPRN.
func normalizeCertificate(data []byte) (json.RawMessage, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, "", err
	}

	var lmkKey string
	if raw, ok := fields["LMK_KEY"]; ok {
		if err := json.Unmarshal(raw, &lmkKey); err != nil {
			return nil, "", fmt.Errorf("LMK_KEY is not a string: %w", err)
		}
	}
	lmkKey = strings.TrimSpace(lmkKey)
	if lmkKey == "" {
		return nil, "", fmt.Errorf("missing LMK_KEY")
	}

	raw, ok := fields["UPRN"]
	if !ok || len(raw) == 0 || raw[0] == '"' || string(raw) == "null" {
		// The scanner reuses its buffer
		doc := make(json.RawMessage, len(data))
		copy(doc, data)
		return doc, lmkKey, nil
	}

	var uprn epc.ID
	if err := json.Unmarshal(raw, &uprn); err != nil {
		return nil, "", fmt.Errorf("certificate %s has an invalid UPRN: %w", lmkKey, err)
	}
	encoded, err := json.Marshal(uprn.String())
	if err != nil {
		return nil, "", err
	}
	fields["UPRN"] = encoded

	doc, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode certificate %s: %w", lmkKey, err)
	}
	return doc, lmkKey, nil
}
