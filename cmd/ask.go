package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"claude-bridge/internal/engine"
	"claude-bridge/internal/models"
)

func newAskCmd(root *rootOptions) *cobra.Command {
	var (
		model  string
		system string
		stream bool
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt through the engine and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, cleanup, err := root.load(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			eng, err := engine.FromConfig(cfg)
			if err != nil {
				return err
			}

			req := models.ChatRequest{Model: model, Stream: stream}
			if system != "" {
				req.Messages = append(req.Messages, models.Message{Role: models.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, models.Message{
				Role:    models.RoleUser,
				Content: strings.Join(args, " "),
			})

			out := cmd.OutOrStdout()
			if !stream {
				resp, err := eng.Complete(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Choices[0].Message.Content)
				return nil
			}

			err = eng.Stream(ctx, req, func(chunk openai.ChatCompletionStreamResponse) error {
				_, err := fmt.Fprint(out, chunk.Choices[0].Delta.Content)
				return err
			})
			fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().StringVar(&model, "model", "gpt-4", "OpenAI-facing model id")
	cmd.Flags().StringVar(&system, "system", "", "optional system prompt")
	cmd.Flags().BoolVar(&stream, "stream", false, "print the reply as it is generated")

	return cmd
}
