package compositor

// Rect は小数座標の矩形
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// CropRect は出力のアスペクト比を保ったまま、ソース中央から切り出す範囲を返す
//
// ソースの方が横長なら高さいっぱい、そうでなければ幅いっぱいに切り出す。
// オフセットは小数のまま返し、丸めるのは描画時だけ。
func CropRect(sourceW, sourceH, targetW, targetH float64) Rect {
	targetAspect := targetW / targetH

	if sourceW/sourceH > targetAspect {
		w := sourceH * targetAspect
		return Rect{X: (sourceW - w) / 2, Y: 0, W: w, H: sourceH}
	}

	h := sourceW / targetAspect
	return Rect{X: 0, Y: (sourceH - h) / 2, W: sourceW, H: h}
}
