package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/csms/config"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/infra/mqtt"
)

var (
	sendDevice    string
	sendConnector int
	sendCustomer  string
	sendTag       string
	sendTxID      int
)

var sendCmd = &cobra.Command{
	Use:   "send [start|stop]",
	Short: "Enqueue a remote start or stop command",
	Args:  cobra.ExactArgs(1),
	RunE:  sendCommand,
}

func init() {
	sendCmd.Flags().StringVar(&sendDevice, "device", "", "target device id")
	sendCmd.Flags().IntVar(&sendConnector, "connector", 1, "connector id")
	sendCmd.Flags().StringVar(&sendCustomer, "customer", "", "customer id")
	sendCmd.Flags().StringVar(&sendTag, "tag", "", "authorization credential")
	sendCmd.Flags().IntVar(&sendTxID, "transaction", 0, "transaction id (stop only)")
	_ = sendCmd.MarkFlagRequired("device")
	rootCmd.AddCommand(sendCmd)
}

func sendCommand(cmd *cobra.Command, args []string) error {
	var kind model.CommandKind
	switch args[0] {
	case "start":
		kind = model.CommandStart
	case "stop":
		kind = model.CommandStop
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logg := logger.New("send-command")
	pub, err := mqtt.NewPublisher(cfg.MQTT, logg)
	if err != nil {
		return fmt.Errorf("mqtt publisher: %w", err)
	}
	defer pub.Disconnect()

	req := model.CommandRequest{
		SessionID:     uuid.NewString(),
		DeviceID:      sendDevice,
		ConnectorID:   sendConnector,
		CustomerID:    sendCustomer,
		Credential:    sendTag,
		TransactionID: sendTxID,
	}
	if err := pub.PublishCommand(kind, req); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	logg.Infof("enqueued %s for %s (session %s)", kind, sendDevice, req.SessionID)
	return nil
}
