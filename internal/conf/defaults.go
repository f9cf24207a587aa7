package conf

import "github.com/spf13/viper"

// setDefaults registers the default configuration values with viper.
func setDefaults() {
	viper.SetDefault("debug", false)
	viper.SetDefault("datadir", "data")

	viper.SetDefault("webserver.host", "localhost")
	viper.SetDefault("webserver.port", "8080")

	viper.SetDefault("output.sqlitepath", "quiet-observer.db")

	viper.SetDefault("runtime.ytdlppath", "yt-dlp")
	viper.SetDefault("runtime.ffmpegpath", "ffmpeg")
	viper.SetDefault("runtime.yolopath", "yolo")
	viper.SetDefault("runtime.minconfidence", 0.1)

	viper.SetDefault("project.acquisitionintervalsec", 60)
	viper.SetDefault("project.inferenceintervalsec", 30)
	viper.SetDefault("project.autosampleintervalsec", 600)
	viper.SetDefault("project.lowconfidence", 0.3)
	viper.SetDefault("project.highconfidence", 0.7)

	viper.SetDefault("training.baseweights", "yolo11n.pt")
	viper.SetDefault("training.epochs", 100)
	viper.SetDefault("training.imagesize", 640)
	viper.SetDefault("training.freeze", 10)
	viper.SetDefault("training.learnrate", 0.001)
	viper.SetDefault("training.patience", 20)
	viper.SetDefault("training.valsplit", 0.2)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "quiet-observer/detections")
	viper.SetDefault("mqtt.clientid", "quiet-observer")
}
