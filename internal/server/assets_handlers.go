package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"photobooth/internal/assets"
	"photobooth/internal/store"
)

// ListAssets は種類ごとのアセット一覧を返す
func (h *handler) ListAssets(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	records, err := h.deps.Assets.List(c.Request.Context(), kind)
	if err != nil {
		h.assetError(c, err)
		return
	}

	response := AssetsResponse{Assets: make([]AssetResponse, 0, len(records))}
	for _, r := range records {
		response.Assets = append(response.Assets, convertAsset(kind, r))
	}
	c.JSON(http.StatusOK, response)
}

// CreateAsset はアセットを追加する
func (h *handler) CreateAsset(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	var in assets.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}

	r, err := h.deps.Assets.Create(c.Request.Context(), kind, in)
	if err != nil {
		h.assetError(c, err)
		return
	}
	c.JSON(http.StatusCreated, convertAsset(kind, r))
}

// UpdateAsset はアセットの内容を更新する
func (h *handler) UpdateAsset(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	var in assets.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}

	r, err := h.deps.Assets.Update(c.Request.Context(), kind, c.Param("id"), in)
	if err != nil {
		h.assetError(c, err)
		return
	}
	c.JSON(http.StatusOK, convertAsset(kind, r))
}

// DeleteAsset はアセットを削除する
func (h *handler) DeleteAsset(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	if err := h.deps.Assets.Delete(c.Request.Context(), kind, c.Param("id")); err != nil {
		h.assetError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SelectAsset はアセットを選択中にする
func (h *handler) SelectAsset(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	id := c.Param("id")
	if err := h.deps.Assets.Select(c.Request.Context(), kind, id); err != nil {
		h.assetError(c, err)
		return
	}

	r, err := h.deps.Assets.Get(c.Request.Context(), kind, id)
	if err != nil {
		h.assetError(c, err)
		return
	}
	c.JSON(http.StatusOK, convertAsset(kind, r))
}

// ToggleAsset はアセットの有効/無効を切り替える
func (h *handler) ToggleAsset(c *gin.Context) {
	kind := assets.Kind(c.Param("kind"))
	r, err := h.deps.Assets.ToggleActive(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.assetError(c, err)
		return
	}
	c.JSON(http.StatusOK, convertAsset(kind, r))
}

// assetError はアセット操作のエラーをHTTPステータスに変換する
func (h *handler) assetError(c *gin.Context, err error) {
	var vErr *assets.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.badRequest(c, err)
	case errors.Is(err, assets.ErrUnknownKind), errors.Is(err, store.ErrNotFound):
		h.notFound(c, err)
	default:
		h.internalError(c, err)
	}
}

// convertAsset はアセットの記録をレスポンスに変換する
func convertAsset(kind assets.Kind, r store.Record[assets.Asset]) AssetResponse {
	return AssetResponse{
		ID:        r.ID,
		Kind:      string(kind),
		Name:      r.Data.Name,
		URL:       r.Data.URL,
		Style:     r.Data.Style,
		Active:    r.Data.Active,
		Selected:  r.Data.Selected,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
