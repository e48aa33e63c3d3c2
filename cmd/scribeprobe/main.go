package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/scribe/internal/audio"
	"github.com/ent0n29/scribe/internal/protocol"
)

type options struct {
	baseURL   string
	path      string
	model     string
	sessionID string
	doc       string
	wavPath   string
	chunkMS   int
	realtime  float64
	commit    bool
	timeout   time.Duration
	verbose   bool
}

type envelope struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

var errNoTranscript = errors.New("relay closed before a transcription arrived")

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribeprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	text, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribeprobe: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(text)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("scribeprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	fs.StringVar(&cfg.path, "path", "/v1/realtime", "relay websocket path")
	fs.StringVar(&cfg.model, "model", "gpt-4o-realtime-preview", "realtime model requested from the relay")
	fs.StringVar(&cfg.sessionID, "session-id", "", "optional session_id")
	fs.StringVar(&cfg.doc, "doc", "", "optional shared document id")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to stream (required)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.commit, "commit", true, "send audio_commit after the last chunk")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall deadline")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print every relay message")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wavPath) == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	return cfg, nil
}

// run streams the clip and returns the first transcription text.
func run(ctx context.Context, cfg options, out io.Writer) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pcm, err := loadClip(cfg.wavPath)
	if err != nil {
		return "", err
	}

	wsURL, err := relayURL(cfg)
	if err != nil {
		return "", fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	ready := make(chan struct{})
	result := make(chan string, 1)
	readErr := make(chan error, 1)
	go readLoop(conn, out, cfg.verbose, ready, result, readErr)

	select {
	case <-ready:
	case err := <-readErr:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("await ready: %w", ctx.Err())
	}

	if err := sendClip(ctx, conn, pcm, cfg.chunkMS, cfg.realtime); err != nil {
		return "", fmt.Errorf("send audio: %w", err)
	}
	if cfg.commit {
		if err := conn.WriteJSON(protocol.AudioCommit{Type: protocol.TypeAudioCommit}); err != nil {
			return "", fmt.Errorf("send commit: %w", err)
		}
	}

	select {
	case text := <-result:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return text, nil
	case err := <-readErr:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("await transcription: %w", ctx.Err())
	}
}

// loadClip reads a PCM16 WAV file as 24 kHz mono.
func loadClip(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", path, err)
	}
	pcm, err = audio.ResamplePCM16(pcm, sampleRate, audio.TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample wav %s: %w", path, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("wav %s produced no PCM bytes", path)
	}
	return pcm, nil
}

func relayURL(cfg options) (string, error) {
	u, err := url.Parse(cfg.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(cfg.path, "/")
	q := u.Query()
	q.Set("model", cfg.model)
	if cfg.sessionID != "" {
		q.Set("session_id", cfg.sessionID)
	}
	if cfg.doc != "" {
		q.Set("doc", cfg.doc)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// chunkPCM splits 24 kHz PCM16 into frames of chunkMS, keeping every frame
// sample aligned.
func chunkPCM(pcm []byte, chunkMS int) [][]byte {
	size := audio.TargetSampleRate * 2 * chunkMS / 1000
	if size%2 != 0 {
		size++
	}
	if size < 2 {
		size = 2
	}
	var chunks [][]byte
	for off := 0; off+1 < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm) - len(pcm)%2
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks
}

func sendClip(ctx context.Context, conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for _, chunk := range chunkPCM(pcm, chunkMS) {
		msg := protocol.AudioChunk{
			Type:  protocol.TypeAudioChunk,
			Audio: base64.StdEncoding.EncodeToString(chunk),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	return nil
}

func readLoop(conn *websocket.Conn, out io.Writer, verbose bool, ready chan<- struct{}, result chan<- string, readErr chan<- error) {
	readySeen := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errNoTranscript
			}
			readErr <- err
			return
		}
		if verbose {
			fmt.Fprintf(out, "scribeprobe: <- %s\n", data)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeReady:
			if !readySeen {
				readySeen = true
				close(ready)
			}
		case protocol.TypeTranscription:
			result <- env.Text
			return
		case protocol.TypeError:
			if !readySeen {
				readErr <- fmt.Errorf("relay rejected session: %s (%s)", env.Error, env.Code)
				return
			}
		}
	}
}
