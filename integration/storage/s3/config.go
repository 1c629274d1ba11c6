package s3

import "time"

// Config holds the bucket connection settings.
type Config struct {
	Bucket         string `env:"ARCHIVE_S3_BUCKET,required"`
	Region         string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"ARCHIVE_S3_SECRET_KEY"`
	Endpoint       string `env:"ARCHIVE_S3_ENDPOINT"`                            // For S3-compatible services like MinIO, Wasabi
	ForcePathStyle bool   `env:"ARCHIVE_S3_FORCE_PATH_STYLE" envDefault:"false"` // Required for MinIO and some S3-compatible services
}

// ArchiveConfig controls what is archived and when.
type ArchiveConfig struct {
	// Tables lists the history tables to archive.
	Tables []string `env:"ARCHIVE_TABLES" envDefault:"bus_events_history,notifications_history" envSeparator:","`
	// Retention is how long rows stay in the history table before they are archived.
	Retention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"168h"`
	// BatchSize is the number of rows per object.
	BatchSize int `env:"ARCHIVE_BATCH_SIZE" envDefault:"5000"`
	// Schedule is a standard five-field cron expression, evaluated in UTC.
	Schedule string `env:"ARCHIVE_SCHEDULE" envDefault:"30 3 * * *"`
	// Prefix is prepended to every object key.
	Prefix string `env:"ARCHIVE_PREFIX" envDefault:"queue-history"`
}
