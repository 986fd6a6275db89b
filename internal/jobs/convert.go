package jobs

import (
	"context"
	"os"

	"lsifd/internal/errors"
	"lsifd/internal/importer"
	"lsifd/internal/logging"
	"lsifd/internal/metrics"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

// NewConvertHandler returns the handler for convert jobs. It turns a spooled
// upload into a dump database, registers the dump's packages in the
// cross-repo index, and atomically installs the database file. The upsert in
// the index makes a retried conversion replace its prior dump.
func NewConvertHandler(logger *logging.Logger, m *metrics.Metrics, paths *storage.PathSet, store *xrepo.Store) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ParseConvertPayload(job.Payload)
		if err != nil {
			return errors.Wrap(errors.Fatal, "failed to parse convert payload", err)
		}
		jobLogger := logger.With(map[string]interface{}{
			"jobId":      job.ID,
			"repository": payload.Repository,
			"commit":     payload.Commit,
		})

		upload, err := os.Open(payload.Filename)
		if err != nil {
			return errors.Wrap(errors.Transient, "failed to open upload file", err)
		}
		defer upload.Close()

		tempPath := paths.TempFilename(job.ID)
		writer, err := storage.NewWriter(ctx, tempPath)
		if err != nil {
			return err
		}

		result, err := importer.Convert(ctx, jobLogger, upload, writer)
		if err != nil {
			writer.CloseWithError()
			os.Remove(tempPath)
			return err
		}
		if err := writer.Close(); err != nil {
			os.Remove(tempPath)
			return err
		}

		dump, err := store.AddPackagesAndReferences(ctx, payload.Repository, payload.Commit, payload.Root, result.Packages, result.References)
		if err != nil {
			os.Remove(tempPath)
			return err
		}

		// The dump row is visible before the file lands; the rename makes
		// the two agree. A crash between the two steps is repaired by the
		// retry replacing both.
		if err := os.Rename(tempPath, paths.DBFilename(dump.ID)); err != nil {
			os.Remove(tempPath)
			return errors.Wrap(errors.Transient, "failed to install dump database", err)
		}

		if err := os.Remove(payload.Filename); err != nil {
			jobLogger.Warn("Failed to remove upload file", map[string]interface{}{
				"filename": payload.Filename,
				"error":    err.Error(),
			})
		}

		m.ConvertedDumpsTotal.Inc()
		m.ConvertedVertices.Observe(float64(result.Stats.NumVertices))
		m.ConvertedEdges.Observe(float64(result.Stats.NumEdges))

		jobLogger.Info("Converted upload", map[string]interface{}{
			"dumpID":       dump.ID,
			"numElements":  result.Stats.NumElements,
			"numDocuments": result.Stats.NumDocs,
		})
		return nil
	}
}

// NewUpdateTipsHandler returns the handler for update-tips jobs. It asks the
// repository host for the tip of every repository with dumps and refreshes
// visible_at_tip accordingly.
func NewUpdateTipsHandler(logger *logging.Logger, store *xrepo.Store, git xrepo.GitserverClient) Handler {
	return func(ctx context.Context, job *Job) error {
		repositories, err := store.Repositories(ctx)
		if err != nil {
			return err
		}

		tips := make(map[string]string, len(repositories))
		for _, repository := range repositories {
			tip, err := git.Head(ctx, repository)
			if err != nil {
				logger.Warn("Failed to fetch repository tip", map[string]interface{}{
					"repository": repository,
					"error":      err.Error(),
				})
				continue
			}
			tips[repository] = tip
		}
		return store.UpdateTips(ctx, tips)
	}
}
