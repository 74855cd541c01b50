package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/perf"
)

var probeTrid string

func init() {
	probeCmd.Flags().StringVar(&probeTrid, "trid", "", "Transport id to probe, e.g. \"trtype:PCIe traddr:0000:01:00.0\"")
	rootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "List controllers and namespaces",
	Long: `Enumerate controllers, attach them, print their identify data and detach.

Examples:
  nvmeperf probe
  nvmeperf probe --trid "trtype:TCP traddr:10.0.0.5 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1"
  nvmeperf probe -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDriver(cfg, zlog)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				zlog.Warn("engine cleanup failed", zap.Error(err))
			}
		}()

		c, err := discover(d, probeTrid)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.DetachAll(); err != nil {
				zlog.Warn("detach failed", zap.Error(err))
			}
		}()

		var out []perf.ControllerStatus
		for _, ctrlr := range c.Controllers() {
			cs := perf.ControllerStatus{
				TransportID: ctrlr.TransportID().String(),
				Model:       ctrlr.ModelNumber(),
				Serial:      ctrlr.SerialNumber(),
				Firmware:    ctrlr.FirmwareRevision(),
				VendorID:    ctrlr.VendorID(),
			}
			for _, ns := range ctrlr.Namespaces() {
				cs.Namespaces = append(cs.Namespaces, perf.NamespaceStatus{
					ID:         ns.ID(),
					Active:     ns.IsActive(),
					SizeBytes:  ns.Size(),
					SectorSize: ns.SectorSize(),
				})
			}
			out = append(out, cs)
		}

		if outputFormat != "table" {
			return formatOutput(out)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONTROLLER\tMODEL\tSERIAL\tNSID\tACTIVE\tSECTOR\tSIZE")
		for _, cs := range out {
			for _, ns := range cs.Namespaces {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%d\t%d\n",
					cs.TransportID, cs.Model, cs.Serial, ns.ID, ns.Active, ns.SectorSize, ns.SizeBytes)
			}
		}
		return w.Flush()
	},
}
