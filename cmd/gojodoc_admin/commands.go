package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sushant-115/gojodoc/config/certs"
	allocationmap "github.com/sushant-115/gojodoc/core/write_engine/allocation_map"
)

var (
	headerCmd = &cobra.Command{
		Use:   "header",
		Short: "Show the file header and header page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fh := engine.FileHeader()
			h := engine.Header()
			lastCheckpoint := "never"
			if !h.LastCheckpoint.IsZero() {
				lastCheckpoint = fmt.Sprintf("%s (%s)", h.LastCheckpoint.Format(time.RFC3339), humanize.Time(h.LastCheckpoint))
			}
			renderTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"format version", strconv.FormatUint(uint64(fh.Version), 10)},
				{"page size", humanize.IBytes(uint64(fh.PageSize))},
				{"encrypted", strconv.FormatBool(fh.Encrypted)},
				{"instance id", fh.InstanceID.String()},
				{"created", time.Unix(fh.CreatedAt, 0).Format(time.RFC3339)},
				{"last page id", strconv.FormatUint(uint64(h.LastPageID), 10)},
				{"checkpoints", strconv.FormatUint(uint64(h.CheckpointCount), 10)},
				{"last checkpoint", lastCheckpoint},
				{"last transaction id", strconv.FormatUint(uint64(h.LastTransactionID), 10)},
			})
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show engine counters after log recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := engine.Stats()
			renderTable(cmd.OutOrStdout(), []string{"Counter", "Value"}, [][]string{
				{"file size", humanize.IBytes(uint64(st.FileBytes))},
				{"last page id", strconv.FormatUint(uint64(st.LastPageID), 10)},
				{"allocated page id", strconv.FormatUint(uint64(st.AllocatedPageID), 10)},
				{"log pages", humanize.Comma(int64(st.LogPages))},
				{"wal pages", humanize.Comma(st.WalPages)},
				{"wal versions", humanize.Comma(st.WalVersions)},
				{"read version", strconv.FormatUint(uint64(st.ReadVersion), 10)},
				{"dirty allocation map pages", strconv.Itoa(st.DirtyAMPs)},
			})
			return nil
		},
	}

	mapCmd = &cobra.Command{
		Use:   "map",
		Short: "List allocation map extents in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows [][]string
			for first, v := range engine.AllocationMap().Extents() {
				owner := allocationmap.ExtentColID(v)
				if owner == 0 {
					continue
				}
				codes := make([]string, allocationmap.ExtentSize)
				for i := range codes {
					codes[i] = slotCodeName(allocationmap.SlotCode(v, i))
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d-%d", first, first+allocationmap.ExtentSize-1),
					strconv.Itoa(int(owner)),
					strings.Join(codes, " "),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"Pages", "Collection", "Slots"}, rows)
			return nil
		},
	}

	logCmd = &cobra.Command{
		Use:   "log",
		Short: "List pages in the log region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows [][]string
			for _, r := range engine.LogRecords() {
				rows = append(rows, []string{
					strconv.FormatUint(uint64(r.PositionID), 10),
					strconv.FormatUint(uint64(r.PageID), 10),
					strconv.FormatUint(uint64(r.TransactionID), 10),
					strconv.FormatBool(r.IsConfirmed),
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"Position", "Page", "Transaction", "Confirmed"}, rows)
			return nil
		},
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Merge the log into the data area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := engine.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint merged %d log pages (%d live) in %s; last page id %d\n",
				res.LogPages, res.LivePages, res.Duration.Round(time.Millisecond), res.NewLastPageID)
			return nil
		},
	}

	backupCmd = &cobra.Command{
		Use:   "backup <destination>",
		Short: "Checkpoint and copy the database file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := engine.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, args[0])
			return nil
		},
	}
)

var certsHosts []string

var certsCmd = &cobra.Command{
	Use:         "certs <directory>",
	Short:       "Generate a CA plus server and client certificates for mutual TLS",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{noEngine: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := certs.Generate(args[0], certsHosts...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote certificates for %s to %s\n", strings.Join(certsHosts, ", "), args[0])
		return nil
	},
}

func init() {
	certsCmd.Flags().StringSliceVar(&certsHosts, "host", []string{"localhost", "127.0.0.1"}, "names and addresses the server certificate is valid for")
}

func slotCodeName(code byte) string {
	switch code {
	case allocationmap.CodeEmpty:
		return "-"
	case allocationmap.CodeData60:
		return "D60"
	case allocationmap.CodeData30:
		return "D30"
	case allocationmap.CodeData10:
		return "D10"
	case allocationmap.CodeDataFull:
		return "DF"
	case allocationmap.CodeIndexRoom:
		return "I"
	case allocationmap.CodeIndexFull:
		return "IF"
	default:
		return "?"
	}
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
}
