package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/usecase/lifecycle"
	"github.com/m-mizutani/ytchat/pkg/usecase/qa"
	"github.com/urfave/cli/v3"
)

// excerptLength bounds the source excerpts printed after an answer
const excerptLength = 200

func chatCommand() *cli.Command {
	var (
		cfg      config
		videoURL string
		apiKey   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "url",
			Aliases:     []string{"u"},
			Usage:       "YouTube video URL or ID to chat about",
			Sources:     cli.EnvVars("YTCHAT_VIDEO_URL"),
			Destination: &videoURL,
		},
		&cli.StringFlag{
			Name:        "api-key",
			Usage:       "Gemini API key (prompted when omitted)",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &apiKey,
		},
		sourcesFlag(&cfg),
	}
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ragFlags(&cfg)...)

	return &cli.Command{
		Name:      "chat",
		Usage:     "Ask questions about a video in the terminal",
		ArgsUsage: "[youtube-url]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			w := c.Root().Writer
			if videoURL == "" {
				videoURL = c.Args().First()
			}
			if videoURL == "" {
				return goerr.New("video URL is required")
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "You: ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          w,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize terminal")
			}
			defer rl.Close()

			if apiKey == "" {
				key, err := rl.ReadPassword("Enter your Gemini API key: ")
				if err != nil {
					return goerr.Wrap(err, "failed to read API key")
				}
				apiKey = strings.TrimSpace(string(key))
			}
			if apiKey == "" {
				return goerr.New("api key is required")
			}

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
				spinner.WithWriter(os.Stderr),
				spinner.WithSuffix(" Processing video..."),
			)
			spin.Start()
			sessionID, err := a.manager.ProcessVideo(ctx, videoURL, apiKey)
			spin.Stop()
			if err != nil {
				return goerr.Wrap(err, "failed to process video", goerr.V("url", videoURL))
			}

			fmt.Fprintf(w, "Chatbot ready! Type 'quit' to exit.\n\n")

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				question := strings.TrimSpace(line)
				if question == "" {
					continue
				}
				switch strings.ToLower(question) {
				case "quit", "exit", "q":
					fmt.Fprintf(w, "Goodbye!\n")
					return nil
				}

				spin.Suffix = " Thinking..."
				spin.Start()
				answer, err := a.manager.Chat(ctx, sessionID, question, apiKey)
				spin.Stop()
				if err != nil {
					// keep the conversation going; only the failed question is lost
					f := lifecycle.Classify(err)
					fmt.Fprintf(w, "\nError processing request: %s\n\n", f.Message)
					if errors.Is(err, model.ErrSessionNotFound) {
						return err
					}
					continue
				}

				fmt.Fprintf(w, "\nBot: %s\n", answer.Text)
				if cfg.showSources {
					printSources(w, answer)
				}
				fmt.Fprintln(w)
			}

			return nil
		},
	}
}

func printSources(w io.Writer, answer *qa.Answer) {
	if len(answer.Sources) == 0 {
		return
	}

	fmt.Fprintf(w, "\nSources:\n")
	for i, src := range answer.Sources {
		content := []rune(src.Chunk.Text)
		excerpt := string(content)
		if len(content) > excerptLength {
			excerpt = string(content[:excerptLength]) + "..."
		}
		fmt.Fprintf(w, "\n%d. Chunk #%d (score %.3f)\n%s\n", i+1, src.Chunk.OrderIndex, src.Score, excerpt)
	}
}
