package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time capture.
// 100ms at 24kHz 16-bit mono = 4800 bytes
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-24khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverAddr := flag.String("server", "localhost:8093", "Relay server host:port")
	incidentID := flag.String("incident", "test-incident-"+time.Now().Format("150405"), "Incident ID")
	flag.Parse()

	// Open audio file
	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if numChannels != 1 || bitsPerSample != 16 {
		log.Fatal("Only 16-bit mono PCM supported")
	}

	// Connect to relay
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     *serverAddr,
		Path:     "/ws",
		RawQuery: "incident_id=" + url.QueryEscape(*incidentID),
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s (incident=%s)", wsURL.String(), *incidentID)

	hello := map[string]any{"type": "client_hello", "sample_rate": sampleRate}
	if err := conn.WriteJSON(hello); err != nil {
		log.Fatalf("Failed to send client_hello: %v", err)
	}

	// Print server frames while streaming
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("Read ended: %v", err)
				return
			}
			var frame struct {
				Type  string `json:"type"`
				Ref   string `json:"ref"`
				Audio string `json:"audio"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("Undecodable frame: %v", err)
				continue
			}
			log.Printf("Received %s ref=%s (%d bytes base64 audio)", frame.Type, frame.Ref, len(frame.Audio))
		}
	}()

	// 100ms of audio per chunk at the file's sample rate
	chunkSize := int(sampleRate) * 2 * chunkIntervalMs / 1000
	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		if err := conn.WriteMessage(websocket.BinaryMessage, audioChunk[:n]); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		// Simulate real-time capture
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	// Linger for the response before closing
	log.Println("Waiting for assistant audio...")
	select {
	case <-done:
	case <-time.After(15 * time.Second):
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	log.Printf("Done: incident=%s", *incidentID)
}
