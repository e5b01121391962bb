package rpc

import (
	"context"
	"encoding/json"

	"github.com/lodeworks/lodestone/internal/importer"
	"github.com/lodeworks/lodestone/internal/storage"
)

// Operation names understood by the engine server.
const (
	OpHealthCheck    = "engine.healthCheck"
	OpGetDocument    = "document.get"
	OpListDocuments  = "document.list"
	OpDeleteDocument = "document.delete"
	OpSetSaved       = "document.setSaved"
	OpSetTitle       = "document.setTitle"
	OpListUpdates    = "update.list"
	OpAppendUpdate   = "update.append"
	OpEnqueueImport  = "import.enqueue"
	OpGetJob         = "import.get"
	OpListJobs       = "import.list"
	OpCancelJob      = "import.cancel"
	OpRetryJob       = "import.retry"
	OpDeleteJob      = "import.delete"
)

type docIDParams struct {
	DocID string `json:"docId"`
}

type jobIDParams struct {
	JobID string `json:"jobId"`
}

type setSavedParams struct {
	DocID          string `json:"docId"`
	SavedAtSeconds *int64 `json:"savedAtSeconds"`
}

type setTitleParams struct {
	DocID string `json:"docId"`
	Title string `json:"title"`
}

type listUpdatesParams struct {
	DocID        string `json:"docId"`
	AfterLamport int64  `json:"afterLamport"`
	Limit        int    `json:"limit"`
}

type enqueueParams struct {
	SourceType    storage.SourceType `json:"sourceType"`
	SourceRef     string             `json:"sourceRef"`
	ForceReimport bool               `json:"forceReimport"`
}

type enqueueResult struct {
	JobID string `json:"jobId"`
}

// RegisterEngine binds the standard engine operations onto server.
func RegisterEngine(server *Server, driver storage.Driver, manager *importer.Manager) {
	server.Register(OpHealthCheck, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return driver.HealthCheck(ctx), nil
	})
	server.Register(OpGetDocument, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params docIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return driver.GetDocument(ctx, params.DocID)
	})
	server.Register(OpListDocuments, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var opts storage.ListDocumentsOptions
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &opts); err != nil {
				return nil, err
			}
		}
		return driver.ListDocuments(ctx, opts)
	})
	server.Register(OpDeleteDocument, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params docIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, driver.DeleteDocument(ctx, params.DocID)
	})
	server.Register(OpSetSaved, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params setSavedParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, driver.SetDocumentSaved(ctx, params.DocID, params.SavedAtSeconds)
	})
	server.Register(OpSetTitle, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params setTitleParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, driver.SetDocumentTitle(ctx, params.DocID, params.Title)
	})
	server.Register(OpListUpdates, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params listUpdatesParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return driver.ListUpdates(ctx, params.DocID, params.AfterLamport, params.Limit)
	})
	server.Register(OpAppendUpdate, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var entry storage.UpdateEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		stored, err := driver.AppendUpdate(ctx, entry)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"stored": stored}, nil
	})
	server.Register(OpEnqueueImport, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params enqueueParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		jobID, err := manager.Enqueue(ctx, importer.EnqueueInput{
			SourceType:    params.SourceType,
			SourceRef:     params.SourceRef,
			ForceReimport: params.ForceReimport,
		})
		if err != nil {
			return nil, err
		}
		return enqueueResult{JobID: jobID}, nil
	})
	server.Register(OpGetJob, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params jobIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return manager.GetJob(ctx, params.JobID)
	})
	server.Register(OpListJobs, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return manager.ListJobs(ctx)
	})
	server.Register(OpCancelJob, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params jobIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, manager.CancelJob(ctx, params.JobID)
	})
	server.Register(OpRetryJob, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params jobIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, manager.RetryJob(ctx, params.JobID)
	})
	server.Register(OpDeleteJob, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params jobIDParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return nil, manager.DeleteJob(ctx, params.JobID)
	})
}
