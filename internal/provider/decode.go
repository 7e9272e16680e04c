package provider

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxBodySize 上游响应体读取上限
const maxBodySize = 8 << 20

// decompressReader 根据Content-Encoding返回解压读取器
func decompressReader(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return readCloser{Reader: gz, closer: resp.Body}, nil
	case "deflate":
		return readCloser{Reader: flate.NewReader(resp.Body), closer: resp.Body}, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		slog.Warn("⚠️ [响应解压] 未知的内容编码，使用原始响应体", "encoding", encoding)
		return resp.Body, nil
	}
}

// readBody 读取并解压响应体
func readBody(resp *http.Response) ([]byte, error) {
	reader, err := decompressReader(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, maxBodySize))
}

// readCloser 关闭时关闭原始响应体
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error {
	return r.closer.Close()
}
