package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to a new file at dstPath, at most
// rateBytesPerSec bytes per second (0 = unlimited). It returns the hex
// SHA-256 of the copied bytes. A partial destination is removed on failure.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (checksum string, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close dst: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	// Set up throughput limiter using golang.org/x/time/rate
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	sum := sha256.New()

	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return "", fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", fmt.Errorf("read error: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	// flush to disk
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync error: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
