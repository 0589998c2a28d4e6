package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/wakeup/audiostudio/internal/config"
	"github.com/wakeup/audiostudio/internal/deps"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external dependencies and print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st := deps.CheckFFmpeg(cmd.Context(), cfg.Pipeline.FFmpegPath)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, dependencyTable([]deps.Status{st}))
			fmt.Fprintln(out)
			fmt.Fprintln(out, configTable(cfg))
			if !st.Available {
				return fmt.Errorf("%s unavailable: %s", st.Name, st.Detail)
			}
			return nil
		},
	}
}

func dependencyTable(statuses []deps.Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		state := "ok"
		if !st.Available {
			state = "missing"
		}
		rows = append(rows, []string{st.Name, state, st.Version, st.Command, st.Detail})
	}
	return renderTable([]string{"Dependency", "Status", "Version", "Command", "Detail"}, rows)
}

func configTable(cfg *config.Config) string {
	auth := "development token"
	switch {
	case cfg.Auth.JWTSecret != "" && len(cfg.Auth.StaticTokens) > 0:
		auth = "jwt + static tokens"
	case cfg.Auth.JWTSecret != "":
		auth = "jwt"
	case len(cfg.Auth.StaticTokens) > 0:
		auth = "static tokens"
	}
	origins := "same host, loopback"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}
	music := cfg.Music.Backend
	switch cfg.Music.Backend {
	case config.MusicDir:
		music += " (" + cfg.Music.Dir + ")"
	case config.MusicS3:
		music += " (s3://" + cfg.Music.Bucket + "/" + cfg.Music.Prefix + ")"
	}

	rows := [][]string{
		{"listen", cfg.Addr()},
		{"allowed origins", origins},
		{"max connections", limit(cfg.Server.MaxConnections)},
		{"auth", auth},
		{"ffmpeg", cfg.Pipeline.FFmpegPath},
		{"work dir", cfg.Pipeline.WorkDir},
		{"concurrent runs", strconv.Itoa(cfg.Pipeline.MaxConcurrent)},
		{"job timeout", cfg.Pipeline.JobTimeout.String()},
		{"output", fmt.Sprintf("%s %s @ %d Hz", cfg.Pipeline.Format, cfg.Pipeline.Bitrate, cfg.Pipeline.SampleRate)},
		{"background music", music},
		{"log", cfg.Log.Level + "/" + cfg.Log.Format},
	}
	return renderTable([]string{"Setting", "Value"}, rows)
}

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func renderTable(headers []string, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		configs[i] = table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
