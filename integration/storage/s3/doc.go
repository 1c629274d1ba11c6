// Package s3 archives queue history tables to Amazon S3 and S3-compatible
// services (MinIO, DigitalOcean Spaces, Wasabi).
//
// History tables grow with every processed, failed, removed and reaped entry.
// The Archiver periodically exports rows older than a retention window as JSON
// Lines objects and deletes them from the table.
//
// Basic usage:
//
//	var (
//		s3cfg      s3.Config
//		archiveCfg s3.ArchiveConfig
//	)
//	config.MustLoad(&s3cfg)
//	config.MustLoad(&archiveCfg)
//
//	client, err := s3.NewClient(ctx, s3cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	archiver, err := s3.NewArchiver(client, pg.NewGateway(pool), s3cfg.Bucket, archiveCfg,
//		s3.WithArchiverLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(archiver.Run(ctx))
//
// # Object Layout
//
// One object is written per batch of ArchiveConfig.BatchSize rows:
//
//	<prefix>/<table>/<yyyy>/<mm>/<dd>/<first record id>-<last record id>.jsonl
//
// Record ids are zero padded so keys sort in id order. A batch is deleted from
// the table only after its upload succeeded; a batch left behind by a failed
// delete is uploaded again under the same key.
//
// # Scheduling
//
// Run evaluates ArchiveConfig.Schedule, a standard five-field cron expression,
// in UTC. A run still in progress when the next one is due causes that one to
// be skipped. ArchiveAll runs immediately, for CLI use.
//
// # Error Handling
//
// SDK errors are classified into ErrBucketNotFound, ErrAccessDenied,
// ErrServiceUnavailable, ErrOperationTimeout and ErrOperationCanceled; other
// API errors keep their error code in the message.
package s3
