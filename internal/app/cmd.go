package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れ未検証アカウントのスイーパーを常駐させる。
	CommandWorker Command = "worker"
	// CommandSweep はスイープを1回だけ実行して終了する（cron向け）。
	CommandSweep Command = "sweep"
	// CommandMigrate はデータベースマイグレーションを操作する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中サーバーの/healthを叩く。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandSweep):       CommandSweep,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラー。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	cmd, ok := knownCommands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (want serve, worker, sweep, migrate or healthcheck)", args[0])
	}
	return cmd, nil
}

// MigrateAction はmigrateサブコマンドの操作種別。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// MigrateOptions はmigrateサブコマンドの解析結果。
type MigrateOptions struct {
	Action MigrateAction
	Steps  int // MigrateDownのときのみ有効
}

// ParseMigrateArgs は"migrate"に続く引数を解析する。
//
//	migrate            → up
//	migrate up         → up
//	migrate down [N]   → 直近N件（既定1件）を巻き戻す
//	migrate version    → 現在のバージョンを表示
func ParseMigrateArgs(args []string) (MigrateOptions, error) {
	if len(args) == 0 {
		return MigrateOptions{Action: MigrateUp}, nil
	}

	switch MigrateAction(args[0]) {
	case MigrateUp:
		return MigrateOptions{Action: MigrateUp}, nil
	case MigrateVersion:
		return MigrateOptions{Action: MigrateVersion}, nil
	case MigrateDown:
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return MigrateOptions{}, fmt.Errorf("invalid rollback steps %q: must be a positive integer", args[1])
			}
			steps = n
		}
		return MigrateOptions{Action: MigrateDown, Steps: steps}, nil
	default:
		return MigrateOptions{}, fmt.Errorf("unknown migrate action %q (want up, down or version)", args[0])
	}
}
