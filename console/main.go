// Command console is a terminal stand-in for the screen reader host. It
// prints session events and lets you drive a session from stdin.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/subosito/gotenv"
)

const defaultBaseURL = "http://127.0.0.1:8765"

type event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Audio     string `json:"audio"`
	Reason    string `json:"reason"`
}

type command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func main() {
	gotenv.Load()

	baseURL := os.Getenv("CONSOLE_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	token, err := getJWTToken(httpClient, baseURL)
	if err != nil {
		log.Fatalf("Failed to get JWT token: %v", err)
	}

	wsURL, err := url.Parse(baseURL)
	if err != nil {
		log.Fatalf("Invalid base URL: %v", err)
	}
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), header)
	if err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Error reading message:", err)
				return
			}
			printEvent(message)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down...")
		conn.Close()
		os.Exit(0)
	}()

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("Commands: /describe <image path>, /end, exit. Anything else is a follow-up question.")
	for {
		fmt.Print("> ")
		text, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		text = strings.TrimSpace(text)

		switch {
		case text == "exit":
			return
		case text == "":
			continue
		case strings.HasPrefix(text, "/describe "):
			path := strings.TrimSpace(strings.TrimPrefix(text, "/describe "))
			if err := describe(httpClient, baseURL, token, path); err != nil {
				log.Println("Error starting session:", err)
			}
		case text == "/end":
			err = conn.WriteJSON(command{Type: "end_session"})
		default:
			err = conn.WriteJSON(command{Type: "follow_up", Text: text})
		}
		if err != nil {
			log.Println("Error sending message:", err)
			return
		}
	}
}

func printEvent(message []byte) {
	var ev event
	if err := json.Unmarshal(message, &ev); err != nil {
		fmt.Printf("Received: %s\n", message)
		return
	}
	switch ev.Type {
	case "first_token":
		fmt.Print("\n[responding]")
	case "reply_start":
		fmt.Print("\n[reply] ")
	case "fragment":
		fmt.Print(ev.Text)
	case "complete":
		fmt.Println("\n[done]")
	case "failed":
		fmt.Printf("\n[failed] %s\n", ev.Reason)
	case "speak":
		fmt.Printf("\n[speak] %s\n", ev.Text)
	case "speak_audio":
		fmt.Printf("\n[speak] %s (%d bytes of audio)\n", ev.Text, len(ev.Audio))
	case "transcription":
		fmt.Printf("\n[heard] %s\n", ev.Text)
	default:
		fmt.Printf("\n[%s] %s%s\n", ev.Type, ev.Text, ev.Reason)
	}
}

func getJWTToken(client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("X-API-Key", os.Getenv("API_KEY"))
	req.Header.Set("X-API-Secret", os.Getenv("API_SECRET"))
	req.Header.Set("X-Device-ID", "console")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth failed with status %d: %s", resp.StatusCode, string(body))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token: %v", err)
	}
	return body.Token, nil
}

func describe(client *http.Client, baseURL, token, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/sessions", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Printf("Session started: %s\n", strings.TrimSpace(string(body)))
	return nil
}
