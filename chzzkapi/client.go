// Package chzzkapi contains minimal helpers to interact with the chzzk
// service APIs for channel lookup, live status probing, and video metadata.
// The API is treated as an unreliable external dependency: probe failures are
// typed so callers can retry on the next cycle instead of escalating.
package chzzkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.chzzk.naver.com"
	// The API rejects requests without a browser user agent.
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// openDate / publishDate layout used by the chzzk API.
	TimeLayout = "2006-01-02 15:04:05"
)

// ErrChannelNotFound indicates the channel id does not exist on chzzk,
// as opposed to a transient probe failure.
var ErrChannelNotFound = fmt.Errorf("channel not found")

// ProbeError wraps a transient failure talking to the chzzk API. It is never
// fatal: the scheduler treats it as "unknown this tick" and retries.
type ProbeError struct {
	ChannelID string
	Err       error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.ChannelID, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ChannelInfo is the subset of channel metadata the recorder needs.
type ChannelInfo struct {
	ID       string `json:"channelId"`
	Name     string `json:"channelName"`
	ImageURL string `json:"channelImageUrl"`
	OpenLive bool   `json:"openLive"`
}

// LiveStatus is the result of one probe: either offline, or live with the
// stream title and start time.
type LiveStatus struct {
	Live      bool
	Title     string
	StartedAt time.Time
}

// Video is past-broadcast metadata used to name archive downloads.
type Video struct {
	Number      int
	Title       string
	ChannelName string
	PublishedAt time.Time
	StreamedAt  time.Time
	Duration    int
}

// Client talks to the chzzk REST API. BaseURL and HTTPClient are injectable
// for tests; NID session cookies are optional and only needed for
// age-restricted or subscriber content.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	NIDAuth    string
	NIDSession string
}

// New returns a client with a bounded request timeout.
func New(nidAuth, nidSession string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		NIDAuth:    nidAuth,
		NIDSession: nidSession,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) get(ctx context.Context, path string, content any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.NIDAuth != "" {
		req.AddCookie(&http.Cookie{Name: "NID_AUT", Value: c.NIDAuth})
	}
	if c.NIDSession != "" {
		req.AddCookie(&http.Cookie{Name: "NID_SES", Value: c.NIDSession})
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrChannelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Code    int             `json:"code"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(body.Content) == 0 || string(body.Content) == "null" {
		return ErrChannelNotFound
	}
	return json.Unmarshal(body.Content, content)
}

// GetChannel resolves a channel id to its metadata. Returns ErrChannelNotFound
// for ids that do not exist on chzzk.
func (c *Client) GetChannel(ctx context.Context, channelID string) (ChannelInfo, error) {
	if channelID == "" {
		return ChannelInfo{}, fmt.Errorf("channel id empty")
	}
	var info ChannelInfo
	if err := c.get(ctx, "/service/v1/channels/"+channelID, &info); err != nil {
		return ChannelInfo{}, err
	}
	// The API answers 200 with an empty content object for unknown ids.
	if info.ID == "" {
		return ChannelInfo{}, ErrChannelNotFound
	}
	return info, nil
}

// GetLiveDetail probes whether a channel is currently broadcasting. Any
// failure is returned as a *ProbeError and should be retried next cycle.
func (c *Client) GetLiveDetail(ctx context.Context, channelID string) (LiveStatus, error) {
	var content struct {
		Status    string `json:"status"`
		LiveTitle string `json:"liveTitle"`
		OpenDate  string `json:"openDate"`
	}
	if err := c.get(ctx, "/service/v1/channels/"+channelID+"/live-detail", &content); err != nil {
		return LiveStatus{}, &ProbeError{ChannelID: channelID, Err: err}
	}
	if content.Status != "OPEN" {
		return LiveStatus{}, nil
	}
	st := LiveStatus{Live: true, Title: content.LiveTitle}
	if t, err := time.ParseInLocation(TimeLayout, content.OpenDate, time.Local); err == nil {
		st.StartedAt = t
	} else {
		st.StartedAt = time.Now()
	}
	return st, nil
}

var videoURLRe = regexp.MustCompile(`^https://chzzk\.naver\.com/video/(\d+)$`)

// ParseVideoURL extracts the video number from a chzzk video page URL.
func ParseVideoURL(url string) (int, bool) {
	m := videoURLRe.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetVideo fetches metadata for a past broadcast.
func (c *Client) GetVideo(ctx context.Context, videoNo int) (Video, error) {
	var content struct {
		VideoTitle   string `json:"videoTitle"`
		PublishDate  string `json:"publishDate"`
		LiveOpenDate string `json:"liveOpenDate"`
		Duration     int    `json:"duration"`
		Channel      struct {
			ChannelName string `json:"channelName"`
		} `json:"channel"`
	}
	if err := c.get(ctx, "/service/v1/videos/"+strconv.Itoa(videoNo), &content); err != nil {
		return Video{}, fmt.Errorf("get video %d: %w", videoNo, err)
	}
	v := Video{
		Number:      videoNo,
		Title:       content.VideoTitle,
		ChannelName: content.Channel.ChannelName,
		Duration:    content.Duration,
	}
	if t, err := time.ParseInLocation(TimeLayout, content.PublishDate, time.Local); err == nil {
		v.PublishedAt = t
	}
	if t, err := time.ParseInLocation(TimeLayout, content.LiveOpenDate, time.Local); err == nil {
		v.StreamedAt = t
	}
	return v, nil
}
