package config

const EnvPrefix = "VAULTFLOW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	QueueBackendNone     = "none"
	QueueBackendPubSub   = "pubsub"
	QueueBackendRabbitMQ = "rabbitmq"
)

const (
	EnvAppEnv   = "VAULTFLOW_APP_ENV"
	EnvPort     = "VAULTFLOW_APP_PORT"
	EnvRedisURL = "VAULTFLOW_REDIS_URL"

	EnvDBDSN  = "VAULTFLOW_DB_DSN"
	EnvDBHost = "VAULTFLOW_DB_HOST"
	EnvDBUser = "VAULTFLOW_DB_USER"
	EnvDBName = "VAULTFLOW_DB_NAME"

	EnvQueueBackend        = "VAULTFLOW_QUEUE_BACKEND"
	EnvWorkflowDisabled    = "VAULTFLOW_WORKFLOW_DISABLED_NETWORKS"
	EnvWorkflowLease       = "VAULTFLOW_WORKFLOW_LEASE_DURATION"
	EnvWorkflowMaxRetries  = "VAULTFLOW_WORKFLOW_MAX_STEP_RETRIES"
	EnvWebhookReplayWindow = "VAULTFLOW_WEBHOOK_REPLAY_WINDOW"
	EnvChainRPCURLs        = "VAULTFLOW_CHAIN_RPC_URLS"
	EnvAssetCatalogPath    = "VAULTFLOW_ASSET_CATALOG_PATH"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
