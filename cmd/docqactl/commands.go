package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docqa-go/internal/chunking"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/database"
	"docqa-go/pkg/es"
	"docqa-go/pkg/log"
)

func newMigrateCmd() *cobra.Command {
	var skipES bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "创建/更新数据表，并确保 Elasticsearch 向量索引存在",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Init(cfg.Log.Level, "console", "")
			db, err := database.OpenMySQL(cfg.Database.MySQL.DSN)
			if err != nil {
				return fmt.Errorf("连接 MySQL 失败: %w", err)
			}
			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("数据库迁移失败: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "数据表迁移完成")
			if skipES || cfg.VectorStore.Provider == "memory" {
				return nil
			}
			if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
				return fmt.Errorf("初始化 Elasticsearch 索引失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "索引 %s 已就绪\n", cfg.Elasticsearch.IndexName)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipES, "skip-es", false, "跳过 Elasticsearch 索引")
	return cmd
}

func newChunkCmd() *cobra.Command {
	var (
		method  string
		size    int
		overlap int
		minSize int
	)
	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "对本地文本文件运行切块器，以 JSON 输出内容单元",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			chunker, err := chunking.New(chunking.Method(method), chunking.Options{
				ChunkSize:    size,
				ChunkOverlap: overlap,
				MinChunkSize: minSize,
			})
			if err != nil {
				return err
			}
			units := chunker.Chunk(args[0], []chunking.Block{{Text: string(data), PageStart: 1, PageEnd: 1}})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(units)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", string(chunking.MethodRecursive), "切块方法: fixed|recursive|structural|semantic|agentic")
	cmd.Flags().IntVar(&size, "size", chunking.DefaultChunkSize, "单元最大字符数")
	cmd.Flags().IntVar(&overlap, "overlap", chunking.DefaultChunkOverlap, "相邻单元重叠字符数")
	cmd.Flags().IntVar(&minSize, "min", chunking.DefaultMinChunkSize, "单元最小字符数")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		api      string
		jwt      string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <document_id>",
		Short: "查询文档处理状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 30 * time.Second}
			for {
				report, err := fetchStatus(cmd, client, api, jwt, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d%%\t%s\n",
					report.DocumentID, report.Status, report.Progress, orDash(report.JobError))
				if !watch || report.Status.Terminal() {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().StringVar(&api, "api", "http://localhost:8081", "服务地址")
	cmd.Flags().StringVar(&jwt, "token", os.Getenv("DOCQA_TOKEN"), "访问 token（默认读取 DOCQA_TOKEN）")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "持续轮询直到终态")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "轮询间隔")
	return cmd
}

type envelope struct {
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Data    model.StatusReport `json:"data"`
}

func fetchStatus(cmd *cobra.Command, client *http.Client, api, jwt, documentID string) (*model.StatusReport, error) {
	url := strings.TrimRight(api, "/") + "/api/v1/documents/" + documentID + "/status"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("无法解析响应 (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, env.Message)
	}
	return &env.Data, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
