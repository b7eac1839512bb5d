package helpers

import (
	"encoding/json"
	"errors"
	"net/http"
)

type MockResponseWriterState struct {
	LastWrittenBytes  []byte
	WrittenStatusCode *int
	Headers           http.Header
}

type MockResponseWriter struct {
	State *MockResponseWriterState
}

func NewMockResponseWriter() MockResponseWriter {
	return MockResponseWriter{
		State: &MockResponseWriterState{Headers: http.Header{}},
	}
}

func (mock MockResponseWriter) Header() http.Header {
	return mock.State.Headers
}

func (mock MockResponseWriter) Write(msg []byte) (int, error) {
	mock.State.LastWrittenBytes = msg
	return len(msg), nil
}

/*
convenience function to get a string of the last written bytes
*/
func (mock MockResponseWriter) LastWrittenString() string {
	return string(mock.State.LastWrittenBytes)
}

/*
convenience function to parse the last written content from json into the given struct
*/
func (mock MockResponseWriter) LastWrittenJson(to interface{}) error {
	if len(mock.State.LastWrittenBytes) == 0 {
		return errors.New("No content has yet been written")
	}
	return json.Unmarshal(mock.State.LastWrittenBytes, to)
}

/*
the status code passed to WriteHeader, or 0 if it was never called
*/
func (mock MockResponseWriter) StatusCode() int {
	if mock.State.WrittenStatusCode == nil {
		return 0
	}
	return *mock.State.WrittenStatusCode
}

func (mock MockResponseWriter) WriteHeader(statusCode int) {
	statusCodeCopy := statusCode
	mock.State.WrittenStatusCode = &statusCodeCopy
}

/*
return a boolean indicating whether WriteHader has been called
*/
func (mock MockResponseWriter) HeaderOutput() bool {
	return mock.State.WrittenStatusCode != nil
}
