package cli

var (
	LoadQueueConfig    = loadQueueConfig
	CrossProcessNotice = crossProcessNotice
)
