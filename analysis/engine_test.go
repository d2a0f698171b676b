package analysis

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labshot/labshot/ai/openrouter"
	"github.com/labshot/labshot/ai/provider"
	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
)

type fakeClient struct {
	mu        sync.Mutex
	response  string
	err       error
	delay     time.Duration
	inFlight  int32
	maxSeen   int32
	lastReq   openrouter.ChatRequest
}

func (f *fakeClient) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &openrouter.ChatResponse{
		Content: f.response,
		Usage:   openrouter.Usage{TotalTokens: 42},
	}, nil
}

func newTestEngine(t *testing.T, client *fakeClient, mutate func(*am.Config)) (*Engine, string) {
	t.Helper()
	cfg := am.Default()
	if mutate != nil {
		mutate(cfg)
	}
	store := am.NewStore(cfg, filepath.Join(t.TempDir(), "labshot.toml"))
	e := NewEngine(store, nil)
	e.newClient = func(_ *am.InferenceConfig, _ *zap.SugaredLogger) provider.AIClient {
		return client
	}

	imagePath := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(imagePath, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 0644))
	return e, imagePath
}

func TestAnalyzeExtractsAttributes(t *testing.T) {
	client := &fakeClient{response: `{"title": "Orbital Shaker", "manufacturer": "IKA"}`}
	e, imagePath := newTestEngine(t, client, nil)

	result, err := e.Analyze(context.Background(), imagePath)
	require.NoError(t, err)
	assert.Equal(t, "Orbital Shaker", result.Attributes.Title)
	assert.Equal(t, "IKA", result.Attributes.Manufacturer)
	assert.Equal(t, 42, result.Usage.TotalTokens)
	assert.NotEmpty(t, result.RawResponse)

	// The image must ride along as an attachment.
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.lastReq.Attachments, 1)
	assert.Equal(t, "image_url", client.lastReq.Attachments[0].Type)
}

func TestAnalyzeMissingImage(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClient{response: "{}"}, nil)
	_, err := e.Analyze(context.Background(), "/nonexistent/frame.jpg")
	require.Error(t, err)
}

func TestAnalyzeInvalidResponse(t *testing.T) {
	client := &fakeClient{response: "I see nothing recognizable here."}
	e, imagePath := newTestEngine(t, client, nil)

	_, err := e.Analyze(context.Background(), imagePath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidResponse))
}

func TestAnalyzePropagatesProviderError(t *testing.T) {
	// Provider clients resolve retries internally; persistent rate limiting
	// reaches the engine as an exhausted provider error.
	client := &fakeClient{err: errors.Wrap(errors.ErrProvider, "retries exhausted after 3 attempts: rate limited")}
	e, imagePath := newTestEngine(t, client, nil)

	_, err := e.Analyze(context.Background(), imagePath)
	require.Error(t, err)
	assert.Equal(t, errors.KindProvider, errors.KindOf(err))
}

func TestAnalyzeConcurrencyCeiling(t *testing.T) {
	client := &fakeClient{
		response: `{"title": "Pipette"}`,
		delay:    30 * time.Millisecond,
	}
	e, imagePath := newTestEngine(t, client, func(c *am.Config) {
		c.Inference.MaxConcurrent = 2
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Analyze(context.Background(), imagePath)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&client.maxSeen), int32(2))
}

func TestMimeForPath(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeForPath("a/b/frame.jpg"))
	assert.Equal(t, "image/jpeg", mimeForPath("frame.JPEG"))
	assert.Equal(t, "image/png", mimeForPath("frame.png"))
	assert.Equal(t, "image/webp", mimeForPath("frame.webp"))
}
