package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点 + 当前版本字段，供生命周期日志复用。
func SiteFields(site, version string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"version": version,
	}
}

// RequestFields 提供站点/版本/策略/来源字段，供代理请求日志复用。
func RequestFields(site, domain, version, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"site":     site,
		"domain":   domain,
		"version":  version,
		"strategy": strategy,
		"source":   source,
	}
}
