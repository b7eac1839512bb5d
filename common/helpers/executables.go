package helpers

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/h2non/filetype"
	log "github.com/sirupsen/logrus"
)

type ExecutableKind string

const (
	EXECUTABLE_ELF    ExecutableKind = "elf"
	EXECUTABLE_SCRIPT ExecutableKind = "script"
)

//enough to cover every magic number filetype knows about
const sniffLength = 262

/**
works out whether the file at `path` is something the supervisor can launch, i.e. an ELF binary
or a script with a #! line, and that it has an execute bit set.
*/
func ExecutableKindForFile(path string) (ExecutableKind, error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", statErr
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		return "", openErr
	}
	defer f.Close()

	header := make([]byte, sniffLength)
	n, readErr := io.ReadFull(f, header)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return "", readErr
	}
	header = header[:n]

	return ExecutableKindForContent(path, header)
}

func ExecutableKindForContent(name string, header []byte) (ExecutableKind, error) {
	if bytes.HasPrefix(header, []byte("#!")) {
		return EXECUTABLE_SCRIPT, nil
	}
	if filetype.Is(header, "elf") {
		return EXECUTABLE_ELF, nil
	}

	kind, matchErr := filetype.Match(header)
	if matchErr != nil || kind == filetype.Unknown {
		log.Debugf("%s has an unknown file type", name)
		return "", fmt.Errorf("%s is not a recognised executable", name)
	}
	return "", fmt.Errorf("%s is a %s file, not an executable", name, kind.MIME.Value)
}
