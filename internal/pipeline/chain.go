package pipeline

import (
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
)

// stageKind distinguishes a terminal archive-extraction stage (which
// writes directly to the filesystem, no merged output file) from a
// byte-stream transform stage (which must be collected into a file).
type stageKind int

const (
	stageTransform stageKind = iota
	stageArchive
)

// Chain is a built decoder process chain for one Content-Type.
type Chain struct {
	cmds []*exec.Cmd
	kind stageKind
}

// decodersFor returns the ordered list of command builders for a
// Content-Type, and whether the final stage is an archive extractor.
// With an iv, key and iv are hex-encoded and handed to openssl as -K/-iv;
// without one, key is handed to openssl as a passphrase (-pass), from
// which openssl derives both key and IV.
func decodersFor(contentType string, key, iv []byte, destDir string) ([]*exec.Cmd, stageKind, error) {
	aesArgs := func(base64 bool) []string {
		args := []string{"enc", "-d", "-aes-256-cbc"}
		if len(iv) > 0 {
			args = append(args, "-K", hex.EncodeToString(key), "-iv", hex.EncodeToString(iv))
		} else {
			args = append(args, "-pass", "pass:"+string(key))
		}
		if base64 {
			args = append(args, "-base64")
		}
		return args
	}

	switch contentType {
	case "", "identity":
		return nil, stageTransform, nil

	case "application/aes":
		return []*exec.Cmd{exec.Command("openssl", aesArgs(true)...)}, stageTransform, nil

	case "application/aes-octet-stream":
		return []*exec.Cmd{exec.Command("openssl", aesArgs(false)...)}, stageTransform, nil

	case "application/gz":
		return []*exec.Cmd{exec.Command("gunzip", "-c")}, stageTransform, nil

	case "application/gz.aes":
		return []*exec.Cmd{
			exec.Command("openssl", aesArgs(false)...),
			exec.Command("gunzip", "-c"),
		}, stageTransform, nil

	case "application/tar":
		return []*exec.Cmd{exec.Command("tar", "-x", "-C", destDir)}, stageArchive, nil

	case "application/tar.gz":
		return []*exec.Cmd{exec.Command("tar", "-xz", "-C", destDir)}, stageArchive, nil

	case "application/tar.aes":
		return []*exec.Cmd{
			exec.Command("openssl", aesArgs(false)...),
			exec.Command("tar", "-x", "-C", destDir),
		}, stageArchive, nil

	case "application/tar.gz.aes":
		return []*exec.Cmd{
			exec.Command("openssl", aesArgs(false)...),
			exec.Command("tar", "-xz", "-C", destDir),
		}, stageArchive, nil

	default:
		return nil, stageTransform, fmt.Errorf("pipeline: unsupported content type %q", contentType)
	}
}

// runningChain is a started Chain: the write end of its first stage's
// stdin, and a function that drains it to completion.
type runningChain struct {
	stdin io.WriteCloser
	wait  func() error
}

// start wires stage[i]'s stdout to stage[i+1]'s stdin and launches every
// stage. finalOut receives the last transform stage's stdout; it is nil
// for archive chains, which write to destDir directly.
func start(cmds []*exec.Cmd, finalOut io.Writer) (*runningChain, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	stdin, err := cmds[0].StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: stdin pipe: %w", err)
	}

	for i := 0; i < len(cmds)-1; i++ {
		out, err := cmds[i].StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pipeline: stdout pipe stage %d: %w", i, err)
		}
		cmds[i+1].Stdin = out
	}
	if finalOut != nil {
		cmds[len(cmds)-1].Stdout = finalOut
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("pipeline: start stage %d (%s): %w", i, cmd.Path, err)
		}
	}

	return &runningChain{
		stdin: stdin,
		wait: func() error {
			for i, cmd := range cmds {
				if err := cmd.Wait(); err != nil {
					return fmt.Errorf("pipeline: stage %d (%s): %w", i, cmd.Path, err)
				}
			}
			return nil
		},
	}, nil
}
