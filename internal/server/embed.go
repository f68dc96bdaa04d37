package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed all:dist
var embedFS embed.FS

// staticFS は埋め込みUIのファイルシステムを返す
func staticFS() (http.FileSystem, error) {
	// dist のサブディレクトリを取得
	sub, err := fs.Sub(embedFS, "dist")
	if err != nil {
		return nil, fmt.Errorf("埋め込み静的ファイルシステムの作成に失敗: %w", err)
	}
	return http.FS(sub), nil
}

// indexHTML はindex.htmlの内容を返す
func indexHTML() ([]byte, error) {
	data, err := embedFS.ReadFile("dist/index.html")
	if err != nil {
		return nil, fmt.Errorf("埋め込みindex.htmlの読み込みに失敗: %w", err)
	}
	return data, nil
}
