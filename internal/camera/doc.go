// Package camera はカメラストリームの取得とライフサイクル管理を担う
//
// # 責務
// - 解像度プロファイルを高い順に試すネゴシエーション（Negotiator）
// - ストリームを排他的に所有するセッションの状態管理（Session）
// - 最新フレームを保持するライブ映像シンク（Preview）
// - V4L2デバイスの検出と、ffmpeg経由でのMJPEGストリーミング（V4L2Device）
//
// # 仕様
//   - 状態は idle / initializing / ready / error の4つ
//   - 1つのSessionが保持するストリームは常に高々1つで、新しいストリームを要求する前に古いものを解放する
//   - ネゴシエーションは逐次で、失敗した試行のハンドルは次の試行前に解放する
//   - readyになるのはシンクが最初のフレームをデコードした後
//   - デバイスのエラーはErrorCodeに分類され、状態として公開される
//
// # 前提要件
//   - v4l-utils: 解像度の設定・読み戻しとカメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: MJPEGストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
