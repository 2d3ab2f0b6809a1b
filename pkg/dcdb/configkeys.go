package dcdb

var (
	CfgControllerID            = ConfigAccessor("controllerId")
	CfgOperationTimeoutSeconds = ConfigAccessor("sparing.operationTimeoutSeconds")
	CfgOperationConfirmation   = ConfigAccessor("sparing.operationConfirmation")
)
