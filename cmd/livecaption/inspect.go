package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/livecaption/internal/parser"
)

func newInspectCommand() *cobra.Command {
	var (
		noFollow bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:         "inspect <path|url>",
		Short:       "Print the contents of a master, media or subtitle manifest",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := parser.ParsePlaylistWithOptions(args[0], parser.Options{
				Follow:  !noFollow,
				Strict:  false,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if info.IsMaster {
				fmt.Fprint(out, renderMaster(info))
			} else {
				fmt.Fprint(out, renderMedia(info.Media))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "Do not fetch the manifests a master references")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "HTTP fetch timeout")
	return cmd
}

func renderMaster(info *parser.PlaylistInfo) string {
	var b strings.Builder

	rows := make([][]string, 0, len(info.Variants))
	for i, v := range info.Variants {
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.Itoa(v.Bandwidth),
			dash(v.Resolution),
			dash(v.SubtitlesGroup),
			v.PlaylistURL,
			mediaSummary(v.Media),
		})
	}
	b.WriteString("Variants\n")
	b.WriteString(renderTable(
		[]string{"#", "Bandwidth", "Resolution", "Subtitles", "URI", "Segments"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	))
	b.WriteString("\n")

	if len(info.Subtitles) > 0 {
		rows = rows[:0]
		for _, s := range info.Subtitles {
			rows = append(rows, []string{
				s.Language,
				s.Name,
				s.GroupID,
				yesNo(s.Default),
				s.URI,
				mediaSummary(s.Media),
			})
		}
		b.WriteString("\nSubtitles\n")
		b.WriteString(renderTable(
			[]string{"Language", "Name", "Group", "Default", "URI", "Cues"},
			rows,
			nil,
		))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMedia(m *parser.MediaInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Location:        %s\n", m.Location)
	fmt.Fprintf(&b, "Target duration: %ds\n", m.TargetDuration)
	fmt.Fprintf(&b, "Media sequence:  %d\n", m.MediaSequence)
	fmt.Fprintf(&b, "Live:            %s\n", yesNo(m.Live))

	rows := make([][]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		rows = append(rows, []string{
			strconv.FormatUint(e.Sequence, 10),
			strconv.FormatFloat(e.Duration, 'f', 3, 64),
			e.URI,
		})
	}
	b.WriteString(renderTable(
		[]string{"Seq", "Duration", "URI"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft},
	))
	b.WriteString("\n")
	return b.String()
}

func mediaSummary(m *parser.MediaInfo) string {
	if m == nil {
		return "-"
	}
	summary := fmt.Sprintf("%d from #%d", len(m.Entries), m.MediaSequence)
	if m.Live {
		summary += " (live)"
	}
	return summary
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
