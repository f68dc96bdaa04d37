// Package assets はフレーム・ガイド・背景のアセットと、その選択状態を管理する
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"photobooth/internal/store"
)

// Kind はアセットの種類
type Kind string

const (
	KindFrame      Kind = "frame"      // 写真に重ねるPNG
	KindGuide      Kind = "guide"      // 撮影時に表示する構図ガイド
	KindBackground Kind = "background" // 画面の背景スタイル
)

// Kinds は全種類
var Kinds = []Kind{KindFrame, KindGuide, KindBackground}

// Valid は既知の種類かどうかを返す
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Asset はアセット1件
type Asset struct {
	Name     string `json:"name" validate:"required,max=100"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
	Style    string `json:"style,omitempty" validate:"max=500"`
	Active   bool   `json:"is_active"`
	Selected bool   `json:"is_selected"`
}

// Input は作成・更新時の入力
type Input struct {
	Name  string `json:"name" binding:"required"`
	URL   string `json:"url"`
	Style string `json:"style"`
}

// ErrUnknownKind は未知の種類を示す
var ErrUnknownKind = errors.New("未知のアセット種類です")

// ValidationError は入力の検証エラー
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力が不正です: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service はアセットのCRUDと選択を行う
type Service struct {
	collections map[Kind]store.Collection[Asset]
	selection   *Selection
	logger      *slog.Logger
}

// NewService は新しいServiceを作成する
// collectionsには全種類分のコレクションが必要
// selectionには選択中のフレームURLが反映される（nil可）
func NewService(collections map[Kind]store.Collection[Asset], selection *Selection, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, k := range Kinds {
		if collections[k] == nil {
			return nil, fmt.Errorf("%s のコレクションがありません", k)
		}
	}
	return &Service{collections: collections, selection: selection, logger: logger}, nil
}

func (s *Service) collection(kind Kind) (store.Collection[Asset], error) {
	c, ok := s.collections[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}
	return c, nil
}

func validateAsset(kind Kind, a Asset) error {
	if err := validate.Struct(a); err != nil {
		return &ValidationError{Err: err}
	}
	switch kind {
	case KindFrame, KindGuide:
		if a.URL == "" {
			return &ValidationError{Err: errors.New("URLは必須です")}
		}
	case KindBackground:
		if a.Style == "" {
			return &ValidationError{Err: errors.New("スタイルは必須です")}
		}
	}
	return nil
}

// Create はアセットを有効・未選択の状態で作成する
func (s *Service) Create(ctx context.Context, kind Kind, in Input) (store.Record[Asset], error) {
	col, err := s.collection(kind)
	if err != nil {
		return store.Record[Asset]{}, err
	}

	a := Asset{Name: in.Name, URL: in.URL, Style: in.Style, Active: true}
	if err := validateAsset(kind, a); err != nil {
		return store.Record[Asset]{}, err
	}

	r, err := col.Create(ctx, a)
	if err != nil {
		return store.Record[Asset]{}, err
	}
	s.logger.Info("アセットを作成しました", "kind", kind, "id", r.ID, "name", a.Name)
	return r, nil
}

// List は作成日時の新しい順にアセットを返す
func (s *Service) List(ctx context.Context, kind Kind) ([]store.Record[Asset], error) {
	col, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	return col.List(ctx)
}

// Get は指定IDのアセットを返す
func (s *Service) Get(ctx context.Context, kind Kind, id string) (store.Record[Asset], error) {
	col, err := s.collection(kind)
	if err != nil {
		return store.Record[Asset]{}, err
	}
	return col.Get(ctx, id)
}

// Update は名前・URL・スタイルを更新する
func (s *Service) Update(ctx context.Context, kind Kind, id string, in Input) (store.Record[Asset], error) {
	col, err := s.collection(kind)
	if err != nil {
		return store.Record[Asset]{}, err
	}

	r, err := col.Update(ctx, id, func(a *Asset) error {
		a.Name = in.Name
		a.URL = in.URL
		a.Style = in.Style
		return validateAsset(kind, *a)
	})
	if err != nil {
		return store.Record[Asset]{}, err
	}
	if kind == KindFrame && r.Data.Selected {
		s.publish(r.Data.URL)
	}
	return r, nil
}

// Delete はアセットを削除する。選択中だった場合は次の有効なアセットを選択する
func (s *Service) Delete(ctx context.Context, kind Kind, id string) error {
	col, err := s.collection(kind)
	if err != nil {
		return err
	}

	r, err := col.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("アセットを削除しました", "kind", kind, "id", id)

	if r.Data.Selected {
		return s.Select(ctx, kind, "")
	}
	return nil
}

// Selected は選択中のアセットを返す。なければok=false
func (s *Service) Selected(ctx context.Context, kind Kind) (store.Record[Asset], bool, error) {
	records, err := s.List(ctx, kind)
	if err != nil {
		return store.Record[Asset]{}, false, err
	}
	for _, r := range records {
		if r.Data.Selected {
			return r, true, nil
		}
	}
	return store.Record[Asset]{}, false, nil
}

// Select は指定のアセットを選択し、他の選択を外す
// idが空なら最も古い有効なアセットを選択する
func (s *Service) Select(ctx context.Context, kind Kind, id string) error {
	col, err := s.collection(kind)
	if err != nil {
		return err
	}
	records, err := col.List(ctx)
	if err != nil {
		return err
	}

	target := id
	if target == "" {
		// Listは新しい順なので末尾から探す
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].Data.Active {
				target = records[i].ID
				break
			}
		}
	} else if !contains(records, target) {
		return fmt.Errorf("%s/%s: %w", kind, target, store.ErrNotFound)
	}

	selectedURL := ""
	for _, r := range records {
		want := r.ID == target
		if r.Data.Selected == want {
			if want {
				selectedURL = r.Data.URL
			}
			continue
		}
		updated, err := col.Update(ctx, r.ID, func(a *Asset) error {
			a.Selected = want
			return nil
		})
		if err != nil {
			return err
		}
		if want {
			selectedURL = updated.Data.URL
		}
	}

	if kind == KindFrame {
		s.publish(selectedURL)
	}
	s.logger.Info("アセットを選択しました", "kind", kind, "id", target)
	return nil
}

// ToggleActive は有効・無効を切り替える
//
// 有効にしたときに他に選択中のものがなければこれを選択する。
// 選択中のものを無効にしたら次の有効なアセットを選択する。
func (s *Service) ToggleActive(ctx context.Context, kind Kind, id string) (store.Record[Asset], error) {
	col, err := s.collection(kind)
	if err != nil {
		return store.Record[Asset]{}, err
	}

	var wasSelected bool
	r, err := col.Update(ctx, id, func(a *Asset) error {
		a.Active = !a.Active
		wasSelected = a.Selected
		if !a.Active {
			a.Selected = false
		}
		return nil
	})
	if err != nil {
		return store.Record[Asset]{}, err
	}

	switch {
	case r.Data.Active:
		if _, ok, err := s.Selected(ctx, kind); err != nil {
			return r, err
		} else if !ok {
			if err := s.Select(ctx, kind, id); err != nil {
				return r, err
			}
		}
	case wasSelected:
		if err := s.Select(ctx, kind, ""); err != nil {
			return r, err
		}
	}

	return col.Get(ctx, id)
}

// SyncSelection は保存されている選択中のフレームをSelectionへ反映する
func (s *Service) SyncSelection(ctx context.Context) error {
	r, ok, err := s.Selected(ctx, KindFrame)
	if err != nil {
		return err
	}
	if ok {
		s.publish(r.Data.URL)
	} else {
		s.publish("")
	}
	return nil
}

func (s *Service) publish(url string) {
	if s.selection != nil {
		s.selection.Set(url)
	}
}

func contains(records []store.Record[Asset], id string) bool {
	for _, r := range records {
		if r.ID == id {
			return true
		}
	}
	return false
}
