// Package server は、フォトブースのHTTP APIと埋め込みUIを提供します。
//
// 責務:
//   - カメラの起動・停止・再試行とMJPEGプレビューの配信
//   - 撮影・合成結果の返却とダウンロード
//   - ギャラリーとフレームなどのアセット管理
//   - 静的ファイル（HTML/CSS/JS）の配信
//
// 仕様:
//   - ルーティングはginを使用
//   - APIはクライアントIPごとにレート制限する（MJPEGストリームを除く）
//   - グレースフルシャットダウン時にカメラを解放する
package server
