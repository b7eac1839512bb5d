package helpers

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

/**
read line-by-line from src until EOF and push each result as a string pointer to the output channel.
on completion, a nil is pushed to the output channel
on error, a single error is pushed to the error channel
*/
func AsyncNewlineReader(src io.Reader, decoder *encoding.Decoder, bufferSize int) (chan *string, chan error) {
	scanner := bufio.NewScanner(src)
	scanner.Split(bufio.ScanLines)

	outputChan := make(chan *string, bufferSize)
	errorChan := make(chan error, 1)

	go func() {
		for {
			moreContent := scanner.Scan()
			if moreContent {
				retrievedBytes := scanner.Bytes()
				if decoder == nil {
					retrievedString := string(retrievedBytes)
					outputChan <- &retrievedString
				} else {
					convertedBytes, decodeErr := decoder.Bytes(retrievedBytes)
					if decodeErr != nil {
						log.Printf("Could not decode incoming line %s: %s", string(retrievedBytes), decodeErr)
					} else {
						convertedString := string(convertedBytes)
						outputChan <- &convertedString
					}
				}
			} else {
				err := scanner.Err()
				if err != nil {
					errorChan <- err
					return
				} else {
					outputChan <- nil
					return
				}
			}
		}
	}()

	return outputChan, errorChan
}

/**
returns a decoder for the named output encoding, or nil for plain utf-8
*/
func DecoderForName(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder(), nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported output encoding %q", name)
	}
}
