package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// --- Mock Publisher ---
type MockPublisher struct {
	PublishCloudEventFunc func(ctx context.Context, topic string, e event.Event) (string, error)
}

func (m *MockPublisher) PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error) {
	if m.PublishCloudEventFunc != nil {
		return m.PublishCloudEventFunc(ctx, topic, e)
	}
	return "msg-id", nil
}

// --- Mock Dispatcher ---

// MockDispatcher records dispatched messages. It is safe for concurrent use.
type MockDispatcher struct {
	DispatchFunc func(ctx context.Context, msg types.IngestEventMessage) error

	mu         sync.Mutex
	dispatched []types.IngestEventMessage
}

func (m *MockDispatcher) Dispatch(ctx context.Context, msg types.IngestEventMessage) error {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, msg)
	m.mu.Unlock()
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, msg)
	}
	return nil
}

func (m *MockDispatcher) Dispatched() []types.IngestEventMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.IngestEventMessage(nil), m.dispatched...)
}

// --- Mock Storage ---
type MockBlobStore struct {
	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	return nil
}
func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	return []byte("mock-data"), nil
}

// --- Mock Provider ---
type MockFetcher struct {
	FetchFunc func(ctx context.Context, url string, integration *types.Integration) ([]byte, error)
}

func (m *MockFetcher) Fetch(ctx context.Context, url string, integration *types.Integration) ([]byte, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, url, integration)
	}
	return nil, fmt.Errorf("no file at %s", url)
}

type MockDecoder struct {
	DecodeFunc func(data []byte, fileType string) (*types.ProviderRecord, error)
}

func (m *MockDecoder) Decode(data []byte, fileType string) (*types.ProviderRecord, error) {
	if m.DecodeFunc != nil {
		return m.DecodeFunc(data, fileType)
	}
	return nil, fmt.Errorf("decoder not configured")
}

// --- Mock Notifications ---
type MockNotifier struct {
	SendPushNotificationFunc func(ctx context.Context, userID, title, body string, tokens []string, data map[string]string) error
}

func (m *MockNotifier) SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error {
	if m.SendPushNotificationFunc != nil {
		return m.SendPushNotificationFunc(ctx, userID, title, body, tokens, data)
	}
	return nil
}
