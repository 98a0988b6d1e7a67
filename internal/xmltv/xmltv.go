// Package xmltv is the L1 streaming XMLTV reader:
// given an already-downloaded document body, it yields channel and programme
// events without materializing the whole tree, and clips programmes to a
// forward-looking time window.
//
// Parsing is a single token loop that yields both channel and programme
// events; Download is a standalone step ahead of parsing that follows
// redirects, writes to a temp file, and sniffs gzip via magic bytes rather
// than trusting Content-Encoding alone.
package xmltv

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Channel is one <channel> element: (id, display_name, icon?).
type Channel struct {
	ID          string
	DisplayName string
	IconURL     string
}

// Programme is one <programme> element, pre-window-clip.
type Programme struct {
	ChannelID   string
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
	Category    string
}

// TimeFormat is the XMLTV wire format for start/stop attributes:
// YYYYMMDDHHMMSS followed by a space and a zone offset, e.g. "20240101060000 +0000".
const TimeFormat = "20060102150405 -0700"

// ParseTime parses an XMLTV timestamp (YYYYMMDDHHMMSS ±HHMM) to UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	// Some feeds omit the space before the offset, or the offset entirely.
	if len(s) >= 14 {
		rest := strings.TrimSpace(s[14:])
		if rest != "" && rest[0] != ' ' && rest[0] != '+' && rest[0] != '-' {
			return time.Time{}, fmt.Errorf("xmltv: malformed timestamp %q", s)
		}
		if rest != "" {
			s = s[:14] + " " + rest
		}
	}
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	// No offset at all: assume UTC.
	if t, err := time.Parse("20060102150405", strings.TrimSpace(s)); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("xmltv: unparseable timestamp %q", s)
}

// Window is a forward-looking clip boundary.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor builds the default window: [now-6h, now+clamp(hours,1,168)].
func WindowFor(now time.Time, hours int) Window {
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	return Window{Start: now.Add(-6 * time.Hour), End: now.Add(time.Duration(hours) * time.Hour)}
}

// InWindow reports whether a programme survives the clip rules: programs
// with stop <= start, stop <= window.Start, or start >= window.End are
// dropped.
func (w Window) InWindow(start, stop time.Time) bool {
	if !stop.After(start) {
		return false
	}
	if !stop.After(w.Start) {
		return false
	}
	if !start.Before(w.End) {
		return false
	}
	return true
}

// Download fetches url, following redirects, writes the body to a temp file,
// and returns a reader over its (possibly still compressed) decoded stream
// plus a cleanup func the caller must invoke. Detects gzip via
// Content-Encoding or the 1F 8B magic bytes, and brotli via Content-Encoding.
func Download(ctx context.Context, client *http.Client, url string) (io.ReadCloser, func(), error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("xmltv: download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp("", "xmltv-*.xml")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}

	enc := strings.ToLower(resp.Header.Get("Content-Encoding"))
	r, err := decodeStream(tmp, enc)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return r, cleanup, nil
}

// decodeStream wraps raw with the decompressor implied by contentEncoding,
// falling back to magic-byte gzip sniffing (1F 8B) when the header is
// absent or lies.
func decodeStream(raw io.ReadSeeker, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "br", "brotli":
		return io.NopCloser(brotli.NewReader(raw)), nil
	case "gzip":
		gr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		return gr, nil
	}

	var magic [2]byte
	n, _ := raw.Read(magic[:])
	if _, err := raw.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n == 2 && magic[0] == 0x1F && magic[1] == 0x8B {
		gr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		return gr, nil
	}
	return io.NopCloser(raw), nil
}

// Handler receives parsed events as the decoder streams through the document;
// either callback may be nil.
type Handler struct {
	OnChannel   func(Channel) error
	OnProgramme func(Programme) error
}

type textNode struct {
	Lang string `xml:"lang,attr"`
	Text string `xml:",chardata"`
}

// Parse streams r, invoking h's callbacks per element, and never
// materializes the whole document.
func Parse(r io.Reader, h Handler) error {
	dec := xml.NewDecoder(r)
	type displayName struct {
		Text string `xml:",chardata"`
	}
	type icon struct {
		Src string `xml:"src,attr"`
	}
	type chNode struct {
		ID           string        `xml:"id,attr"`
		DisplayNames []displayName `xml:"display-name"`
		Icon         icon          `xml:"icon"`
	}
	type progNode struct {
		Start    string     `xml:"start,attr"`
		Stop     string     `xml:"stop,attr"`
		Channel  string     `xml:"channel,attr"`
		Title    []textNode `xml:"title"`
		SubTitle []textNode `xml:"sub-title"`
		Desc     []textNode `xml:"desc"`
		Category []textNode `xml:"category"`
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			if h.OnChannel == nil {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			var node chNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return err
			}
			id := strings.TrimSpace(node.ID)
			if id == "" {
				continue
			}
			ch := Channel{ID: id, IconURL: strings.TrimSpace(node.Icon.Src)}
			for _, dn := range node.DisplayNames {
				if name := strings.TrimSpace(dn.Text); name != "" {
					ch.DisplayName = name
					break
				}
			}
			if err := h.OnChannel(ch); err != nil {
				return err
			}
		case "programme":
			if h.OnProgramme == nil {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			var node progNode
			if err := dec.DecodeElement(&node, &se); err != nil {
				return err
			}
			start, err := ParseTime(node.Start)
			if err != nil {
				continue // malformed timestamps are skipped, not fatal
			}
			stop, err := ParseTime(node.Stop)
			if err != nil {
				continue
			}
			p := Programme{
				ChannelID: strings.TrimSpace(node.Channel),
				Start:     start,
				Stop:      stop,
				Title:     firstText(node.Title),
				Description: firstText(node.Desc),
				Category:    firstText(node.Category),
			}
			if err := h.OnProgramme(p); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

func firstText(nodes []textNode) string {
	for _, n := range nodes {
		if t := strings.TrimSpace(n.Text); t != "" {
			return t
		}
	}
	return ""
}
