// Package acrcloud identifies audio directly against ACRCloud's identify API,
// for running without the SPYNNERS backend.
package acrcloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spynners/setcapture/internal/analyzer"
)

const (
	identifyPath     = "/v1/identify"
	dataType         = "audio"
	signatureVersion = "1"
	defaultHost      = "identify-eu-west-1.acrcloud.com"
)

var ErrNotConfigured = errors.New("acrcloud access key and secret are required")

type Client struct {
	baseURL   string
	accessKey string
	secret    string
	http      *http.Client
	now       func() time.Time
}

// NewClient builds a client for host, which may be a bare hostname or a full
// base URL.
func NewClient(host, accessKey, secret string) *Client {
	if strings.TrimSpace(host) == "" {
		host = defaultHost
	}
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		accessKey: accessKey,
		secret:    secret,
		http:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

func (c *Client) Configured() bool {
	return c.accessKey != "" && c.secret != ""
}

func sign(method, uri, accessKey, dataType, version, timestamp, secret string) string {
	toSign := strings.Join([]string{method, uri, accessKey, dataType, version, timestamp}, "\n")
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type identifyResponse struct {
	Status struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"status"`
	Metadata struct {
		Music []struct {
			Title   string `json:"title"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Album struct {
				Name string `json:"name"`
			} `json:"album"`
			ACRID       string         `json:"acrid"`
			ExternalIDs map[string]any `json:"external_ids"`
		} `json:"music"`
	} `json:"metadata"`
}

// Recognize uploads the sample and maps the best match. A "no result" answer
// is a successful call with Success=false.
func (c *Client) Recognize(ctx context.Context, audio []byte) (analyzer.Recognition, error) {
	if !c.Configured() {
		return analyzer.Recognition{}, ErrNotConfigured
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature := sign(http.MethodPost, identifyPath, c.accessKey, dataType, signatureVersion, timestamp, c.secret)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"access_key", c.accessKey},
		{"sample_bytes", strconv.Itoa(len(audio))},
		{"timestamp", timestamp},
		{"signature", signature},
		{"data_type", dataType},
		{"signature_version", signatureVersion},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return analyzer.Recognition{}, fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	part, err := mw.CreateFormFile("sample", "sample.wav")
	if err != nil {
		return analyzer.Recognition{}, fmt.Errorf("create sample part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return analyzer.Recognition{}, fmt.Errorf("write sample: %w", err)
	}
	if err := mw.Close(); err != nil {
		return analyzer.Recognition{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+identifyPath, &body)
	if err != nil {
		return analyzer.Recognition{}, fmt.Errorf("build identify request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return analyzer.Recognition{}, fmt.Errorf("acrcloud request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return analyzer.Recognition{}, fmt.Errorf("acrcloud status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return analyzer.Recognition{}, fmt.Errorf("decode identify response: %w", err)
	}

	if result.Status.Code != 0 || len(result.Metadata.Music) == 0 {
		return analyzer.Recognition{Success: false, Message: "Could not identify the track"}, nil
	}

	music := result.Metadata.Music[0]
	names := make([]string, 0, len(music.Artists))
	for _, a := range music.Artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	title := music.Title
	if title == "" {
		title = "Unknown"
	}
	artist := strings.Join(names, ", ")
	if artist == "" {
		artist = "Unknown"
	}

	return analyzer.Recognition{
		Success:         true,
		Title:           title,
		Artist:          artist,
		ExternalTrackID: music.ACRID,
	}, nil
}
