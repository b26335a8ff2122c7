//go:build !unix

package vectorstore

import "os"

func osMap(*os.File, int, bool) ([]byte, error) { return nil, ErrUnsupported }

func osUnmap([]byte) error { return nil }

func osSync([]byte) error { return nil }

func osAdvise([]byte) error { return nil }
