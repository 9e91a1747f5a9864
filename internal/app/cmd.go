package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期ジョブ（探索・メタデータ更新・ニュース取得・クリーンアップ）を実行するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandDiscover はライブ配信の探索を1回だけ実行する。
	CommandDiscover Command = "discover"
	// CommandRefreshMetadata はメタデータ更新を1回だけ実行する。
	CommandRefreshMetadata Command = "refresh-metadata"
)

// NewRootCommand はfanliveのコマンドツリーを構築する。
// サブコマンドを省略した場合は serve として起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "fanlive",
		Short:         "K-POP ファンプラットフォームのバックエンド",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := os.Setenv("CONFIG_FILE", configFile); err != nil {
					return fmt.Errorf("failed to set CONFIG_FILE: %w", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandServe, runServe)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "設定ファイル（TOML）のパス")

	root.AddCommand(
		newServeCommand(w),
		newWorkerCommand(w),
		newMigrateCommand(w),
		newHealthcheckCommand(),
		newDiscoverCommand(w),
		newRefreshMetadataCommand(w),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "APIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandServe, runServe)
		},
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "定期ジョブを実行するワーカーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandWorker, runWorker)
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "未適用のマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandMigrate, runMigrate)
		},
	}
}

func newHealthcheckCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "起動中のサーバーの /health を確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = os.Getenv("SERVER_PORT")
			}
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "確認するポート（省略時は SERVER_PORT）")
	return cmd
}

func newDiscoverCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandDiscover),
		Short: "全チャンネルのライブ配信探索を1回実行し、結果をJSONで出力する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandDiscover, runDiscover)
		},
	}
}

// refreshScope は refresh-metadata の対象範囲。
type refreshScope struct {
	live    bool
	all     bool
	eventID string
}

func newRefreshMetadataCommand(w io.Writer) *cobra.Command {
	var scope refreshScope
	cmd := &cobra.Command{
		Use:   string(CommandRefreshMetadata),
		Short: "配信イベントのメタデータ更新を1回実行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithConfig(cmd, w, CommandRefreshMetadata, func(rc *runContext) error {
				return runRefreshMetadata(rc, scope)
			})
		},
	}
	cmd.Flags().BoolVar(&scope.live, "live", false, "配信中（LIVE）のイベントのみ更新する")
	cmd.Flags().BoolVar(&scope.all, "all", false, "終了していない全イベントを更新する")
	cmd.Flags().StringVar(&scope.eventID, "event", "", "指定したIDのイベントのみ更新する")
	cmd.MarkFlagsMutuallyExclusive("live", "all", "event")
	cmd.MarkFlagsOneRequired("live", "all", "event")
	return cmd
}
