package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"quizchain-service/internal/domain"

	"github.com/valyala/fasthttp"
)

// Client is a small JSON-over-HTTP client for generation collaborators.
type Client struct {
	baseURL string
	apiKey  string
	http    *fasthttp.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &fasthttp.Client{
			Name:                "quizchain-service",
			MaxConnsPerHost:     64,
			ReadTimeout:         60 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// do sends method to path with an optional JSON body and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, code)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// RemoteGenerator asks an item generation service for items.
type RemoteGenerator struct{ client *Client }

func NewRemoteGenerator(client *Client) *RemoteGenerator { return &RemoteGenerator{client: client} }

type generateRequest struct {
	Kind    domain.SessionKind `json:"kind"`
	Content string             `json:"content"`
	Count   int                `json:"count"`
}

// wireItem is the generator's item format: question/options/correctAnswer for
// quizzes, statement/isTrue for fact checks.
type wireItem struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
	Statement     string   `json:"statement"`
	IsTrue        *bool    `json:"isTrue"`
}

func (g *RemoteGenerator) GenerateItems(ctx context.Context, kind domain.SessionKind, text string, count int) ([]domain.Item, error) {
	var reply struct {
		Items []wireItem `json:"items"`
	}
	if err := g.client.do(ctx, fasthttp.MethodPost, "/generate", generateRequest{Kind: kind, Content: text, Count: count}, &reply); err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(reply.Items))
	for i, w := range reply.Items {
		item, err := w.toItem(kind)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (w wireItem) toItem(kind domain.SessionKind) (domain.Item, error) {
	switch kind {
	case domain.KindQuiz:
		if len(w.Options) != len(domain.OptionLabels) {
			return domain.Item{}, domain.ErrInvalidItem
		}
		correct, err := domain.NormalizeAnswer(domain.KindQuiz, w.CorrectAnswer)
		if err != nil || correct == domain.NoAnswer {
			return domain.Item{}, domain.ErrInvalidItem
		}
		mc := &domain.MultipleChoice{Question: w.Question, Correct: correct}
		copy(mc.Options[:], w.Options)
		return domain.Item{Kind: kind, MultipleChoice: mc}, nil
	case domain.KindFactCheck:
		if w.IsTrue == nil {
			return domain.Item{}, domain.ErrInvalidItem
		}
		return domain.Item{Kind: kind, TrueFalse: &domain.TrueFalse{Statement: w.Statement, Truth: *w.IsTrue}}, nil
	}
	return domain.Item{}, domain.ErrInvalidKind
}

// RemoteScraper fetches page text from a scraping service.
type RemoteScraper struct{ client *Client }

func NewRemoteScraper(client *Client) *RemoteScraper { return &RemoteScraper{client: client} }

func (s *RemoteScraper) Scrape(ctx context.Context, pageURL string) (string, error) {
	var reply struct {
		Markdown string `json:"markdown"`
	}
	err := s.client.do(ctx, fasthttp.MethodPost, "/scrape", map[string]string{"url": pageURL}, &reply)
	return reply.Markdown, err
}

// RemoteTranscripts fetches transcripts from a transcript service.
type RemoteTranscripts struct{ client *Client }

func NewRemoteTranscripts(client *Client) *RemoteTranscripts {
	return &RemoteTranscripts{client: client}
}

func (t *RemoteTranscripts) Transcript(ctx context.Context, videoID string) (string, error) {
	var reply struct {
		Content string `json:"content"`
	}
	err := t.client.do(ctx, fasthttp.MethodGet, "/transcript?videoId="+url.QueryEscape(videoID), nil, &reply)
	return reply.Content, err
}

// RemoteVideos looks up video metadata from a video data service.
type RemoteVideos struct{ client *Client }

func NewRemoteVideos(client *Client) *RemoteVideos { return &RemoteVideos{client: client} }

func (v *RemoteVideos) Lookup(ctx context.Context, videoID string) (VideoInfo, error) {
	var info VideoInfo
	err := v.client.do(ctx, fasthttp.MethodGet, "/videos?id="+url.QueryEscape(videoID), nil, &info)
	return info, err
}
