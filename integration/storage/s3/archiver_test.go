package s3_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/queue"
	"github.com/dmitrymomot/dbqueue/integration/storage/s3"
)

var archiveNow = time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)

// MockClient records uploaded objects.
type MockClient struct {
	mock.Mock

	mu      sync.Mutex
	objects map[string][]byte
}

func (m *MockClient) PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Key))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[aws.ToString(params.Key)] = body
	return &s3aws.PutObjectOutput{}, nil
}

func (m *MockClient) HeadBucket(ctx context.Context, params *s3aws.HeadBucketInput, optFns ...func(*s3aws.Options)) (*s3aws.HeadBucketOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Bucket))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &s3aws.HeadBucketOutput{}, nil
}

func (m *MockClient) object(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}

func archiveConfig() s3.ArchiveConfig {
	return s3.ArchiveConfig{
		Tables:    []string{"bus_events_history"},
		Retention: 24 * time.Hour,
		BatchSize: 2,
		Schedule:  "30 3 * * *",
		Prefix:    "archive",
	}
}

// seedHistory writes n settled rows created age ago, ids starting at firstID.
func seedHistory(t *testing.T, gw *queue.MemoryGateway, firstID int64, n int, age time.Duration) {
	t.Helper()
	entries := make([]*queue.Entry, n)
	for i := range entries {
		entries[i] = &queue.Entry{
			RecordID:                firstID + int64(i),
			ClassName:               "billing.InvoiceCreated",
			Payload:                 []byte(`{"id":1}`),
			CreatingOwner:           "node-a",
			CreatedDate:             archiveNow.Add(-age),
			ProcessingAvailableDate: archiveNow.Add(-age),
			State:                   queue.StateProcessed,
		}
	}
	require.NoError(t, gw.InsertEntries(context.Background(), entries, "bus_events_history"))
}

func newTestArchiver(t *testing.T, client s3.Client, gw *queue.MemoryGateway, cfg s3.ArchiveConfig) *s3.Archiver {
	t.Helper()
	a, err := s3.NewArchiver(client, gw, "queue-archive", cfg,
		s3.WithArchiverClock(queue.ClockFunc(func() time.Time { return archiveNow })))
	require.NoError(t, err)
	return a
}

func TestNewArchiver_Validation(t *testing.T) {
	t.Parallel()
	gw := queue.NewMemoryGateway()

	_, err := s3.NewArchiver(nil, gw, "bucket", archiveConfig())
	assert.ErrorIs(t, err, s3.ErrInvalidConfig)

	_, err = s3.NewArchiver(&MockClient{}, gw, "", archiveConfig())
	assert.ErrorIs(t, err, s3.ErrInvalidConfig)

	_, err = s3.NewArchiver(&MockClient{}, nil, "bucket", archiveConfig())
	assert.ErrorIs(t, err, s3.ErrHistorySourceNil)

	cfg := archiveConfig()
	cfg.Schedule = "every tuesday"
	_, err = s3.NewArchiver(&MockClient{}, gw, "bucket", cfg)
	assert.ErrorIs(t, err, s3.ErrInvalidSchedule)
}

func TestArchiver_Archive(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	seedHistory(t, gw, 1, 3, 48*time.Hour)
	seedHistory(t, gw, 10, 2, time.Hour)

	client := &MockClient{}
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil)
	a := newTestArchiver(t, client, gw, archiveConfig())

	n, err := a.Archive(context.Background(), "bus_events_history")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	remaining := gw.Entries("bus_events_history")
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(10), remaining[0].RecordID)

	client.AssertNumberOfCalls(t, "PutObject", 2)
	first := client.object("archive/bus_events_history/2026/03/08/00000000000000000001-00000000000000000002.jsonl")
	require.NotNil(t, first)

	var decoded []queue.Entry
	sc := bufio.NewScanner(bytes.NewReader(first))
	for sc.Scan() {
		var e queue.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		decoded = append(decoded, e)
	}
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(1), decoded[0].RecordID)
	assert.Equal(t, queue.StateProcessed, decoded[0].State)
	assert.Equal(t, []byte(`{"id":1}`), decoded[0].Payload)

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Objects)
	assert.Equal(t, int64(3), stats.Entries)
}

func TestArchiver_UploadFailureKeepsRows(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	seedHistory(t, gw, 1, 2, 48*time.Hour)

	client := &MockClient{}
	client.On("PutObject", mock.Anything, mock.Anything).Return(errors.New("network down"))
	a := newTestArchiver(t, client, gw, archiveConfig())

	n, err := a.ArchiveAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, gw.Len("bus_events_history"))
	assert.Equal(t, int64(1), a.Stats().Failures)
}

func TestArchiver_ObjectKey(t *testing.T) {
	t.Parallel()

	a := newTestArchiver(t, &MockClient{}, queue.NewMemoryGateway(), archiveConfig())
	key := a.ObjectKey("notifications_history", []*queue.Entry{
		{RecordID: 42, CreatedDate: time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)},
		{RecordID: 99},
	})
	assert.Equal(t, "archive/notifications_history/2025/12/31/00000000000000000042-00000000000000000099.jsonl", key)
}

func TestArchiver_Next(t *testing.T) {
	t.Parallel()

	a := newTestArchiver(t, &MockClient{}, queue.NewMemoryGateway(), archiveConfig())
	assert.Equal(t, time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), a.Next(archiveNow))
}

func TestArchiver_Healthcheck(t *testing.T) {
	t.Parallel()

	client := &MockClient{}
	client.On("HeadBucket", mock.Anything, "queue-archive").Return(nil).Once()
	client.On("HeadBucket", mock.Anything, "queue-archive").Return(context.DeadlineExceeded).Once()
	a := newTestArchiver(t, client, queue.NewMemoryGateway(), archiveConfig())

	require.NoError(t, a.Healthcheck(context.Background()))

	err := a.Healthcheck(context.Background())
	assert.ErrorIs(t, err, s3.ErrHealthcheckFailed)
	assert.ErrorIs(t, err, s3.ErrOperationTimeout)
}

func TestArchiver_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestArchiver(t, &MockClient{}, queue.NewMemoryGateway(), archiveConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx)() }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not stop")
	}
}
