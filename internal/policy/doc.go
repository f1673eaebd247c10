// Package policy 实现站点的缓存策略分发器（Dispatcher）。
//
// Dispatcher 以显式方法承接原本由事件总线派发的四类事件：
//   - OnInstall：拉取壳资源清单并写入 <version>-shell，任一失败即整体失败；
//   - OnActivate：删除除当前 shell/runtime 以外的全部缓存，并接管（claim）客户端；
//   - OnFetch：按请求类别选择 network-first / stale-while-revalidate / passthrough，
//     同步返回 Pending 表示“由我负责响应”，非 GET 请求返回 false 交由默认处理；
//   - OnMessage：记录客户端上报的错误。
//
// 所有外部依赖（缓存存储、网络请求、客户端控制）均通过接口注入，便于测试注入不同版本。
package policy
