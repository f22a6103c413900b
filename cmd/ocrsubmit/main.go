package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ocrbase/ocrbase/internal/client"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// ocrsubmit submits one document and waits for the terminal result.
//
//	ocrsubmit -base http://localhost:8080 -key sk_dev -file invoice.pdf
//	ocrsubmit -base http://localhost:8080 -key sk_dev -url https://example.com/doc.pdf -type extract -schema sch_123
func main() {
	var (
		base    = flag.String("base", "http://localhost:8080", "API base URL")
		key     = flag.String("key", os.Getenv("OCRBASE_API_KEY"), "API key")
		file    = flag.String("file", "", "path to a local document")
		rawURL  = flag.String("url", "", "remote document URL")
		typ     = flag.String("type", "parse", "parse or extract")
		schema  = flag.String("schema", "", "schema id (extract only)")
		hints   = flag.String("hints", "", "free-text guidance for extraction")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall wait timeout")
	)
	flag.Parse()

	if (*file == "") == (*rawURL == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -file or -url is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	job, err := submit(ctx, *base, *key, *file, *rawURL, *typ, *schema, *hints)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "submitted", job.ID)

	waiter := client.NewWaiter(client.Config{BaseURL: *base, APIKey: *key}, nil)
	res, err := waiter.WaitForCompletion(ctx, job.ID, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait:", err)
		os.Exit(1)
	}

	if res.JSONResult != nil {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, res.JSONResult, "", "  "); err == nil {
			fmt.Println(pretty.String())
			return
		}
		fmt.Println(string(res.JSONResult))
		return
	}
	if res.MarkdownResult != nil {
		fmt.Println(*res.MarkdownResult)
	}
}

func submit(ctx context.Context, base, key, file, rawURL, typ, schemaID, hints string) (*entity.Job, error) {
	endpoint := base + "/v1/" + typ
	var req *http.Request
	var err error

	if rawURL != "" {
		body, _ := json.Marshal(map[string]string{
			"url":      rawURL,
			"schemaId": schemaID,
			"hints":    hints,
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filepath.Base(file))
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		_ = mw.WriteField("mimeType", mimeFromExt(file))
		if schemaID != "" {
			_ = mw.WriteField("schemaId", schemaID)
		}
		if hints != "" {
			_ = mw.WriteField("hints", hints)
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	var job entity.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func mimeFromExt(path string) string {
	switch filepath.Ext(path) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/pdf"
}
