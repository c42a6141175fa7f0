package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// concatFiles writes the concatenation of srcs, in order, to dst. The
// write goes through a temp file and a rename so a crash never leaves a
// partial artifact behind.
func concatFiles(srcs []string, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}

	for _, src := range srcs {
		if err := appendFile(out, src); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

func appendFile(out io.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open chunk audio %s: %w", src, err)
	}
	defer in.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy chunk audio %s: %w", src, err)
	}
	return nil
}
