// Command delugectl hashes a batch of synthetic or stdin-provided 64-bit
// elements against the CPU fallback device and prints the reduced digest,
// a small demo/debug harness for the dispatch library the way a block
// device's cmd/ builds a runnable example around its library package.
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dlorenc/deluge"
	"github.com/dlorenc/deluge/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "delugectl",
		Short: "Dispatch a batch of elements through a deluge hash family",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetDefault(logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: os.Stderr}))
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBlake3Cmd(), newHighwayCmd())
	return root
}

func newBlake3Cmd() *cobra.Command {
	var count int
	var keyHex string

	cmd := &cobra.Command{
		Use:   "blake3",
		Short: "Hash a synthetic batch (or stdin) with keyed BLAKE3",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey32(keyHex)
			if err != nil {
				return err
			}

			elems, err := readBatch(cmd.InOrStdin(), count)
			if err != nil {
				return err
			}

			disp, err := deluge.NewBlake3(key)
			if err != nil {
				return fmt.Errorf("create dispatcher: %w", err)
			}
			defer disp.Close()

			resultCh := make(chan struct {
				status deluge.Status
				digest [40]byte
			}, 1)
			err = disp.Schedule(elems, func(status deluge.Status, digest [40]byte, _ any) {
				resultCh <- struct {
					status deluge.Status
					digest [40]byte
				}{status, digest}
			}, nil)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}

			res := <-resultCh
			fmt.Fprintf(cmd.OutOrStdout(), "status=%d digest=%s\n", res.status, hex.EncodeToString(res.digest[:]))
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 4096, "number of synthetic elements to hash when stdin is not piped")
	cmd.Flags().StringVar(&keyHex, "key", "", "64 hex-character BLAKE3 key (defaults to all zero)")
	return cmd
}

func newHighwayCmd() *cobra.Command {
	var count int
	var keyHex string

	cmd := &cobra.Command{
		Use:   "highway",
		Short: "Hash a synthetic batch (or stdin) with keyed HighwayHash",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey4(keyHex)
			if err != nil {
				return err
			}

			elems, err := readBatch(cmd.InOrStdin(), count)
			if err != nil {
				return err
			}

			disp, err := deluge.NewHighway(key)
			if err != nil {
				return fmt.Errorf("create dispatcher: %w", err)
			}
			defer disp.Close()

			resultCh := make(chan struct {
				status deluge.Status
				limbs  [5]uint64
			}, 1)
			err = disp.Schedule(elems, func(status deluge.Status, limbs [5]uint64, _ any) {
				resultCh <- struct {
					status deluge.Status
					limbs  [5]uint64
				}{status, limbs}
			}, nil)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}

			res := <-resultCh
			fmt.Fprintf(cmd.OutOrStdout(), "status=%d limbs=%v\n", res.status, res.limbs)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 4096, "number of synthetic elements to hash when stdin is not piped")
	cmd.Flags().StringVar(&keyHex, "key", "", "64 hex-character HighwayHash key (defaults to all zero)")
	return cmd
}

// readBatch reads little-endian uint64 elements from r if it is not an
// interactive terminal (i.e. something is piped in), otherwise generates
// count synthetic sequential elements.
func readBatch(r io.Reader, count int) ([]uint64, error) {
	if f, ok := r.(*os.File); ok {
		if info, err := f.Stat(); err == nil && (info.Mode()&os.ModeCharDevice) == 0 {
			return readBatchBinary(r)
		}
	}

	elems := make([]uint64, count)
	for i := range elems {
		elems[i] = uint64(i)
	}
	return elems, nil
}

func readBatchBinary(r io.Reader) ([]uint64, error) {
	br := bufio.NewReader(r)
	var elems []uint64
	var buf [8]byte
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		elems = append(elems, binary.LittleEndian.Uint64(buf[:]))
	}
	return elems, nil
}

func parseKey32(hexKey string) ([32]byte, error) {
	var key [32]byte
	if hexKey == "" {
		return key, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return key, fmt.Errorf("key must be 64 hex characters (32 bytes)")
	}
	copy(key[:], b)
	return key, nil
}

func parseKey4(hexKey string) ([4]uint64, error) {
	var key [4]uint64
	if hexKey == "" {
		return key, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return key, fmt.Errorf("key must be 64 hex characters (32 bytes)")
	}
	for i := range key {
		key[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return key, nil
}
