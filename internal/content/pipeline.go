// Package content turns prompts, documents, web pages and videos into session items.
// Every outbound collaborator call goes through its own circuit breaker.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"quizchain-service/internal/breaker"
	"quizchain-service/internal/domain"

	"github.com/rs/zerolog/log"
)

const (
	// MaxContentChars bounds the text handed to the generator.
	MaxContentChars = 8000
	// MinScrapedChars is the shortest page body worth generating from.
	MinScrapedChars = 100
)

// Generator writes items for a block of text.
type Generator interface {
	GenerateItems(ctx context.Context, kind domain.SessionKind, text string, count int) ([]domain.Item, error)
}

// Scraper fetches readable text for a web page.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (string, error)
}

// Transcripts fetches a video transcript.
type Transcripts interface {
	Transcript(ctx context.Context, videoID string) (string, error)
}

// VideoInfo is the metadata of a video.
type VideoInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Videos looks up video metadata.
type Videos interface {
	Lookup(ctx context.Context, videoID string) (VideoInfo, error)
}

// Collaborators bundles the external services a Pipeline uses. Scraper,
// Transcripts and Videos may be nil when the matching source type is unsupported.
type Collaborators struct {
	Generator   Generator
	Scraper     Scraper
	Transcripts Transcripts
	Videos      Videos
}

// Pipeline implements app.ItemGenerator.
type Pipeline struct {
	collab   Collaborators
	breakers *breaker.Registry
	maxChars int
}

func NewPipeline(collab Collaborators, breakers *breaker.Registry, maxChars int) *Pipeline {
	if maxChars <= 0 {
		maxChars = MaxContentChars
	}
	return &Pipeline{collab: collab, breakers: breakers, maxChars: maxChars}
}

// Generate resolves the source to text and asks the generator for items. Breaker
// rejections and collaborator failures surface as domain.ErrGenerationUnavailable.
func (p *Pipeline) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GeneratedContent, error) {
	text, title, description, err := p.resolve(ctx, req.Source)
	if err != nil {
		return domain.GeneratedContent{}, err
	}
	text = truncate(text, p.maxChars)

	items, err := breaker.Do(ctx, p.breakers.Get(breaker.Generator), func(ctx context.Context) ([]domain.Item, error) {
		return p.collab.Generator.GenerateItems(ctx, req.Kind, text, req.Count)
	})
	if err != nil {
		return domain.GeneratedContent{}, unavailable(breaker.Generator, err)
	}
	return domain.GeneratedContent{Title: title, Description: description, Items: items}, nil
}

func (p *Pipeline) resolve(ctx context.Context, src domain.ContentSource) (text, title, description string, err error) {
	switch src.Type {
	case domain.SourcePrompt:
		text = strings.TrimSpace(src.Prompt)
		if text == "" {
			return "", "", "", fmt.Errorf("%w: empty prompt", domain.ErrInvalidSource)
		}
		return text, headline(text), "", nil

	case domain.SourcePDF:
		text = strings.TrimSpace(src.Text)
		if text == "" {
			return "", "", "", fmt.Errorf("%w: empty document", domain.ErrInvalidSource)
		}
		return text, headline(src.Prompt), "", nil

	case domain.SourceURL:
		if p.collab.Scraper == nil {
			return "", "", "", fmt.Errorf("%w: web pages are not supported", domain.ErrInvalidSource)
		}
		if _, err := url.ParseRequestURI(src.URL); err != nil {
			return "", "", "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
		}
		page, err := breaker.Do(ctx, p.breakers.Get(breaker.Scraper), func(ctx context.Context) (string, error) {
			return p.collab.Scraper.Scrape(ctx, src.URL)
		})
		if err != nil {
			return "", "", "", unavailable(breaker.Scraper, err)
		}
		if utf8.RuneCountInString(strings.TrimSpace(page)) < MinScrapedChars {
			return "", "", "", domain.ErrInsufficientContent
		}
		return page, headline(src.URL), "", nil

	case domain.SourceVideo:
		return p.resolveVideo(ctx, src)
	}
	return "", "", "", fmt.Errorf("%w: unknown type %q", domain.ErrInvalidSource, src.Type)
}

// resolveVideo prefers the transcript and falls back to title and description
// when no transcript can be fetched.
func (p *Pipeline) resolveVideo(ctx context.Context, src domain.ContentSource) (string, string, string, error) {
	if p.collab.Videos == nil {
		return "", "", "", fmt.Errorf("%w: videos are not supported", domain.ErrInvalidSource)
	}
	videoID, ok := ExtractVideoID(src.URL)
	if !ok {
		return "", "", "", fmt.Errorf("%w: unrecognized video url", domain.ErrInvalidSource)
	}
	info, err := breaker.Do(ctx, p.breakers.Get(breaker.Video), func(ctx context.Context) (VideoInfo, error) {
		return p.collab.Videos.Lookup(ctx, videoID)
	})
	if err != nil {
		return "", "", "", unavailable(breaker.Video, err)
	}

	var transcript string
	if p.collab.Transcripts != nil {
		transcript, err = breaker.Do(ctx, p.breakers.Get(breaker.Transcript), func(ctx context.Context) (string, error) {
			return p.collab.Transcripts.Transcript(ctx, videoID)
		})
		if err != nil {
			log.Warn().Err(err).Str("video", videoID).Msg("transcript unavailable, using video metadata")
		}
	}
	text := strings.TrimSpace(transcript)
	if text == "" {
		text = strings.TrimSpace(info.Title + "\n\n" + info.Description)
	}
	if text == "" {
		return "", "", "", domain.ErrInsufficientContent
	}
	return text, info.Title, info.Description, nil
}

// ExtractVideoID pulls the 11-character video id out of youtube.com and youtu.be URLs.
func ExtractVideoID(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"), strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/live/"):
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 {
				id = parts[1]
			}
		}
	}
	if len(id) != 11 {
		return "", false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return "", false
		}
	}
	return id, true
}

func unavailable(collaborator string, err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%w: %s circuit open", domain.ErrGenerationUnavailable, collaborator)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGenerationUnavailable, collaborator, err)
}

func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}

func headline(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return truncate(text, 80)
}
