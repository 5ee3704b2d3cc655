package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は/healthと/metricsを公開するサーバーモード。
	CommandServe Command = "serve"
	// CommandWorker は期限切れデータのクリーンアップワーカー。
	CommandWorker Command = "worker"
	// CommandMigrate はバックエンドのスキーマを作成して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のプロセスの/healthを確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンド名から起動モードを引く。
var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外の場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

func (c Command) String() string { return string(c) }

// NeedsConfig は設定の読み込みとバックエンドへの接続が必要なモードかを返す。
// healthcheckはSERVER_PORTのみを参照する。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}
