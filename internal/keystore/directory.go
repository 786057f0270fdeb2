package keystore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
)

// directoryKey 密钥目录响应
type directoryKey struct {
	UserID      string `json:"userId"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// DirectoryClient remote key directory: GET {base}/keys/{userId}.
type DirectoryClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewDirectoryClient 创建密钥目录客户端
func NewDirectoryClient(baseURL string, logger *zap.Logger) *DirectoryClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(1 * time.Second).
		SetHeader("Accept", "application/json")

	return &DirectoryClient{httpClient: client, logger: logger}
}

func (c *DirectoryClient) PublicKey(ctx context.Context, userID string) (string, error) {
	var out directoryKey
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("userId", userID).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/keys/{userId}")
	if err != nil {
		return "", fmt.Errorf("failed to call key directory: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("key directory has no key for %s: %w", userID, domain.ErrNotFound)
	default:
		c.logger.Error("Key directory returned error",
			zap.String("user_id", userID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return "", fmt.Errorf("key directory error: status %d", resp.StatusCode())
	}

	if out.UserID != "" && out.UserID != userID {
		return "", fmt.Errorf("key directory answered for %s, asked for %s", out.UserID, userID)
	}
	if err := cryptoengine.ParsePublicKey(out.PublicKey); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}
