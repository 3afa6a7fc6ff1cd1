package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	headerAuthorization = "X-Authorization"
	headerAck           = "ack"
	contentTypeJSON     = "application/json"
)

// encodeFrame renders one STOMP frame. Each websocket text message carries exactly one.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame parses the frame in a websocket message. A heart-beat yields a nil frame.
func decodeFrame(data []byte) (*frame.Frame, error) {
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

func connectFrame(host, token string) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.HeartBeat, "0,0",
	)
	if host != "" {
		f.Header.Set(frame.Host, host)
	}
	if token != "" {
		f.Header.Set(headerAuthorization, "Bearer "+token)
	}
	return f
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		headerAck, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, contentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}
