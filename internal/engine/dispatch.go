package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/localkb/localkb/internal/embed"
	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/kberr"
)

// MethodPrefix namespaces the knowledge base methods on the wire.
const MethodPrefix = "kb."

type kbParams struct {
	KBID string `json:"kbId"`
}

type importFilesParams struct {
	KBID    string       `json:"kbId"`
	Sources []job.Source `json:"sources"`
}

type jobParams struct {
	KBID  string `json:"kbId"`
	JobID string `json:"jobId"`
}

type searchParams struct {
	KBID  string `json:"kbId"`
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type createNoteParams struct {
	KBID    string `json:"kbId"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type listDocumentsParams struct {
	KBID  string `json:"kbId"`
	Limit int    `json:"limit"`
}

type deleteDocumentParams struct {
	KBID       string `json:"kbId"`
	DocumentID string `json:"documentId"`
	Confirmed  bool   `json:"confirmed"`
}

type confirmParams struct {
	KBID      string `json:"kbId"`
	Confirmed bool   `json:"confirmed"`
}

// credentialParams carry embedding credentials on a request. They are decoded
// into memory, handed to the job or query, and never persisted.
type credentialParams struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
}

func (c credentialParams) credentials() embed.Credentials {
	return embed.Credentials{BaseURL: c.BaseURL, APIKey: c.APIKey}
}

type buildVectorParams struct {
	KBID       string `json:"kbId"`
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	credentialParams
}

type resumeVectorParams struct {
	KBID       string `json:"kbId"`
	JobID      string `json:"jobId"`
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	credentialParams
}

type semanticSearchParams struct {
	KBID       string `json:"kbId"`
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	Query      string `json:"query"`
	TopK       int    `json:"topK"`
	credentialParams
}

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, kberr.Validation("params must not be empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, kberr.New(kberr.ErrCodeInvalidParam, fmt.Sprintf("malformed params: %v", err), nil)
	}
	return p, nil
}

// okResult is the response body of methods with no other payload.
var okResult = map[string]bool{"ok": true}

func ack(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return okResult, nil
}

// Dispatch routes one protocol request to its engine method and returns the
// JSON-encodable result.
func (e *Engine) Dispatch(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	switch strings.TrimPrefix(method, MethodPrefix) {
	case "ensureInitialized":
		p, err := decode[kbParams](raw)
		if err != nil {
			return nil, err
		}
		return e.EnsureInitialized(ctx, p.KBID)

	case "importFiles":
		p, err := decode[importFilesParams](raw)
		if err != nil {
			return nil, err
		}
		jobID, err := e.ImportFiles(ctx, p.KBID, p.Sources)
		if err != nil {
			return nil, err
		}
		return map[string]string{"jobId": jobID}, nil

	case "listJobs":
		p, err := decode[kbParams](raw)
		if err != nil {
			return nil, err
		}
		jobs, err := e.ListJobs(ctx, p.KBID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil

	case "pauseJob":
		p, err := decode[jobParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.PauseJob(ctx, p.KBID, p.JobID))

	case "resumeJob":
		p, err := decode[jobParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.ResumeJob(ctx, p.KBID, p.JobID))

	case "cancelJob":
		p, err := decode[jobParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.CancelJob(ctx, p.KBID, p.JobID))

	case "search":
		p, err := decode[searchParams](raw)
		if err != nil {
			return nil, err
		}
		hits, err := e.Search(ctx, p.KBID, p.Query, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hits": hits}, nil

	case "createNote":
		p, err := decode[createNoteParams](raw)
		if err != nil {
			return nil, err
		}
		documentID, err := e.CreateNote(ctx, p.KBID, p.Title, p.Content)
		if err != nil {
			return nil, err
		}
		return map[string]string{"documentId": documentID}, nil

	case "getStats":
		p, err := decode[kbParams](raw)
		if err != nil {
			return nil, err
		}
		return e.GetStats(ctx, p.KBID)

	case "listDocuments":
		p, err := decode[listDocumentsParams](raw)
		if err != nil {
			return nil, err
		}
		docs, err := e.ListDocuments(ctx, p.KBID, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"documents": docs}, nil

	case "deleteDocument":
		p, err := decode[deleteDocumentParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.DeleteDocument(ctx, p.KBID, p.DocumentID, p.Confirmed))

	case "getVectorConfig":
		p, err := decode[kbParams](raw)
		if err != nil {
			return nil, err
		}
		cfg, err := e.GetVectorConfig(ctx, p.KBID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"config": cfg}, nil

	case "rebuildVectorIndex":
		p, err := decode[confirmParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.RebuildVectorIndex(ctx, p.KBID, p.Confirmed))

	case "buildVectorIndex":
		p, err := decode[buildVectorParams](raw)
		if err != nil {
			return nil, err
		}
		jobID, err := e.BuildVectorIndex(ctx, p.KBID, p.ProviderID, p.Model, p.credentials())
		if err != nil {
			return nil, err
		}
		return map[string]string{"jobId": jobID}, nil

	case "resumeVectorIndex":
		p, err := decode[resumeVectorParams](raw)
		if err != nil {
			return nil, err
		}
		return ack(e.ResumeVectorIndex(ctx, p.KBID, p.JobID, p.ProviderID, p.Model, p.credentials()))

	case "semanticSearch":
		p, err := decode[semanticSearchParams](raw)
		if err != nil {
			return nil, err
		}
		hits, err := e.SemanticSearch(ctx, p.KBID, p.ProviderID, p.Model, p.Query, p.credentials(), p.TopK)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hits": hits}, nil

	default:
		return nil, kberr.New(kberr.ErrCodeInvalidParam, fmt.Sprintf("unknown method %q", method), nil)
	}
}
